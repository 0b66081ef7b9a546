package commands

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dataflow-works/config-registry/pkg/entities"
	"github.com/dataflow-works/config-registry/pkg/events"
	"github.com/dataflow-works/config-registry/pkg/refgraph"
	"github.com/dataflow-works/config-registry/pkg/store"
)

// recordingPublisher collects published events for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) all() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Event, len(p.events))
	copy(out, p.events)
	return out
}

func newTestStore(t *testing.T) *store.DocumentStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	docs := store.NewDocumentStore(db)
	require.NoError(t, docs.AutoMigrate())
	return docs
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *recordingPublisher) {
	t.Helper()
	docs := newTestStore(t)
	published := &recordingPublisher{}
	d := NewDispatcher(DispatcherConfig{
		Integrity: refgraph.NewService(docs, refgraph.DefaultGraph()),
		Publisher: published,
	})
	RegisterAll(d, docs)
	return d, published
}

// mustCreate dispatches a create command and returns the reply entity as a
// generic document.
func mustCreate(t *testing.T, d *Dispatcher, entityType entities.Type, payload string) map[string]any {
	t.Helper()
	reply := d.Dispatch(context.Background(), Command{
		Kind:       KindCreate,
		EntityType: entityType,
		Payload:    json.RawMessage(payload),
		Actor:      "tester",
	})
	require.Nil(t, reply.Error, "create %s failed: %+v", entityType, reply.Error)
	var got map[string]any
	require.NoError(t, json.Unmarshal(reply.Entity, &got))
	return got
}

func entityID(t *testing.T, doc map[string]any) string {
	t.Helper()
	id, ok := doc["id"].(string)
	require.True(t, ok, "entity has no id: %v", doc)
	return id
}

func TestDispatcher_CreateAndGetRoundTrip(t *testing.T) {
	d, published := newTestDispatcher(t)
	ctx := context.Background()

	created := mustCreate(t, d, entities.TypeProtocol, `{"version":"1.0","name":"mqtt"}`)
	id := entityID(t, created)
	assert.Equal(t, "tester", created["createdBy"])
	assert.Equal(t, "tester", created["updatedBy"])

	reply := d.Dispatch(ctx, Command{Kind: KindGet, EntityType: entities.TypeProtocol, TargetID: id})
	require.Nil(t, reply.Error)
	var byID map[string]any
	require.NoError(t, json.Unmarshal(reply.Entity, &byID))
	assert.Equal(t, "mqtt", byID["name"])

	reply = d.Dispatch(ctx, Command{Kind: KindGetByKey, EntityType: entities.TypeProtocol, CompositeKey: "1.0_mqtt"})
	require.Nil(t, reply.Error)
	var byKey map[string]any
	require.NoError(t, json.Unmarshal(reply.Entity, &byKey))
	assert.Equal(t, id, byKey["id"])

	evs := published.all()
	require.Len(t, evs, 1)
	assert.Equal(t, events.ActionCreated, evs[0].Action)
	assert.Equal(t, entities.TypeProtocol, evs[0].EntityType)
	assert.Equal(t, id, evs[0].EntityID)
	assert.Equal(t, "tester", evs[0].Actor)
}

func TestDispatcher_CreateDuplicateKey(t *testing.T) {
	d, published := newTestDispatcher(t)
	ctx := context.Background()

	mustCreate(t, d, entities.TypeSource, `{"address":"a","version":"1.0","name":"first"}`)

	reply := d.Dispatch(ctx, Command{
		Kind:       KindCreate,
		EntityType: entities.TypeSource,
		Payload:    json.RawMessage(`{"address":"a","version":"1.0","name":"second"}`),
	})
	require.NotNil(t, reply.Error)
	assert.Equal(t, ErrorDuplicateKey, reply.Error.Kind)

	// The failed create publishes nothing.
	assert.Len(t, published.all(), 1)
}

func TestDispatcher_CreateInvalid(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	reply := d.Dispatch(ctx, Command{Kind: KindCreate, EntityType: entities.TypeProtocol, Payload: json.RawMessage(`{not json`)})
	require.NotNil(t, reply.Error)
	assert.Equal(t, ErrorInvalid, reply.Error.Kind)

	reply = d.Dispatch(ctx, Command{Kind: KindCreate, EntityType: entities.TypeProtocol, Payload: json.RawMessage(`{"version":"1.0"}`)})
	require.NotNil(t, reply.Error)
	assert.Equal(t, ErrorInvalid, reply.Error.Kind)
	assert.Contains(t, reply.Error.Message, "name")
}

func TestDispatcher_UnknownTypeAndKind(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	reply := d.Dispatch(ctx, Command{Kind: KindGet, EntityType: "gadget", TargetID: "x"})
	require.NotNil(t, reply.Error)
	assert.Equal(t, ErrorInvalid, reply.Error.Kind)
	assert.Contains(t, reply.Error.Message, "gadget")

	reply = d.Dispatch(ctx, Command{Kind: "explode", EntityType: entities.TypeProtocol})
	require.NotNil(t, reply.Error)
	assert.Equal(t, ErrorInvalid, reply.Error.Kind)
}

func TestDispatcher_UpdateStampsActorAndKeepsAudit(t *testing.T) {
	d, published := newTestDispatcher(t)
	ctx := context.Background()

	created := d.Dispatch(ctx, Command{
		Kind:       KindCreate,
		EntityType: entities.TypeScheduledTask,
		Payload:    json.RawMessage(`{"version":"1.0","name":"cleanup","schedule":"0 * * * *"}`),
		Actor:      "alice",
	})
	require.Nil(t, created.Error)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(created.Entity, &doc))
	id := entityID(t, doc)

	updated := d.Dispatch(ctx, Command{
		Kind:       KindUpdate,
		EntityType: entities.TypeScheduledTask,
		TargetID:   id,
		Payload:    json.RawMessage(`{"version":"1.0","name":"cleanup","schedule":"30 * * * *"}`),
		Actor:      "bob",
	})
	require.Nil(t, updated.Error, "update failed: %+v", updated.Error)
	var got map[string]any
	require.NoError(t, json.Unmarshal(updated.Entity, &got))
	assert.Equal(t, id, got["id"])
	assert.Equal(t, "alice", got["createdBy"])
	assert.Equal(t, "bob", got["updatedBy"])
	assert.Equal(t, "30 * * * *", got["schedule"])

	evs := published.all()
	require.Len(t, evs, 2)
	assert.Equal(t, events.ActionUpdated, evs[1].Action)
	assert.Equal(t, "bob", evs[1].Actor)
}

func TestDispatcher_UpdateTargetMismatch(t *testing.T) {
	d, _ := newTestDispatcher(t)

	reply := d.Dispatch(context.Background(), Command{
		Kind:       KindUpdate,
		EntityType: entities.TypeProtocol,
		TargetID:   "target-1",
		Payload:    json.RawMessage(`{"id":"other-1","version":"1.0","name":"mqtt"}`),
	})
	require.NotNil(t, reply.Error)
	assert.Equal(t, ErrorInvalid, reply.Error.Kind)

	reply = d.Dispatch(context.Background(), Command{
		Kind:       KindUpdate,
		EntityType: entities.TypeProtocol,
		Payload:    json.RawMessage(`{"version":"1.0","name":"mqtt"}`),
	})
	require.NotNil(t, reply.Error)
	assert.Equal(t, ErrorInvalid, reply.Error.Kind)
}

func TestDispatcher_UpdateMissing(t *testing.T) {
	d, _ := newTestDispatcher(t)

	reply := d.Dispatch(context.Background(), Command{
		Kind:       KindUpdate,
		EntityType: entities.TypeProtocol,
		TargetID:   "no-such-id",
		Payload:    json.RawMessage(`{"version":"1.0","name":"mqtt"}`),
	})
	require.NotNil(t, reply.Error)
	assert.Equal(t, ErrorNotFound, reply.Error.Kind)
}

func TestDispatcher_UpdateIdentityChangeBlockedWhileReferenced(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	proto := mustCreate(t, d, entities.TypeProtocol, `{"version":"1.0","name":"mqtt"}`)
	protoID := entityID(t, proto)
	source := mustCreate(t, d, entities.TypeSource,
		`{"address":"a","version":"1.0","name":"src","protocolId":"`+protoID+`"}`)

	// Changing the protocol's composite key is blocked while the source
	// references it.
	reply := d.Dispatch(ctx, Command{
		Kind:       KindUpdate,
		EntityType: entities.TypeProtocol,
		TargetID:   protoID,
		Payload:    json.RawMessage(`{"version":"2.0","name":"mqtt"}`),
	})
	require.NotNil(t, reply.Error)
	assert.Equal(t, ErrorReferenceConflict, reply.Error.Kind)
	require.NotNil(t, reply.Validation)
	assert.False(t, reply.Validation.Valid)
	assert.Contains(t, reply.Validation.Message, "Source (1 records)")

	// A key-preserving update is fine.
	reply = d.Dispatch(ctx, Command{
		Kind:       KindUpdate,
		EntityType: entities.TypeProtocol,
		TargetID:   protoID,
		Payload:    json.RawMessage(`{"version":"1.0","name":"mqtt","description":"broker protocol"}`),
	})
	require.Nil(t, reply.Error, "key-preserving update failed: %+v", reply.Error)

	// Once the dependent is gone the key may change.
	del := d.Dispatch(ctx, Command{Kind: KindDelete, EntityType: entities.TypeSource, TargetID: entityID(t, source)})
	require.Nil(t, del.Error)

	reply = d.Dispatch(ctx, Command{
		Kind:       KindUpdate,
		EntityType: entities.TypeProtocol,
		TargetID:   protoID,
		Payload:    json.RawMessage(`{"version":"2.0","name":"mqtt"}`),
	})
	require.Nil(t, reply.Error, "update after release failed: %+v", reply.Error)
}

func TestDispatcher_DeleteBlockedThenAllowed(t *testing.T) {
	d, published := newTestDispatcher(t)
	ctx := context.Background()

	proto := mustCreate(t, d, entities.TypeProtocol, `{"version":"1.0","name":"mqtt"}`)
	protoID := entityID(t, proto)
	s1 := mustCreate(t, d, entities.TypeSource, `{"address":"a","version":"1.0","name":"s1","protocolId":"`+protoID+`"}`)
	s2 := mustCreate(t, d, entities.TypeSource, `{"address":"b","version":"1.0","name":"s2","protocolId":"`+protoID+`"}`)
	d1 := mustCreate(t, d, entities.TypeDestination, `{"address":"c","version":"1.0","name":"d1","protocolId":"`+protoID+`"}`)

	reply := d.Dispatch(ctx, Command{Kind: KindDelete, EntityType: entities.TypeProtocol, TargetID: protoID})
	require.NotNil(t, reply.Error)
	assert.Equal(t, ErrorReferenceConflict, reply.Error.Kind)
	require.NotNil(t, reply.Validation)
	counts := reply.Validation.References.Counts()
	assert.Equal(t, map[entities.Type]int64{
		entities.TypeSource:      2,
		entities.TypeDestination: 1,
	}, counts)
	assert.Contains(t, reply.Validation.Message, "Source (2 records)")
	assert.Contains(t, reply.Validation.Message, "Destination (1 records)")

	for _, dep := range []struct {
		t  entities.Type
		id string
	}{
		{entities.TypeSource, entityID(t, s1)},
		{entities.TypeSource, entityID(t, s2)},
		{entities.TypeDestination, entityID(t, d1)},
	} {
		del := d.Dispatch(ctx, Command{Kind: KindDelete, EntityType: dep.t, TargetID: dep.id})
		require.Nil(t, del.Error)
		require.NotNil(t, del.Deleted)
		assert.True(t, *del.Deleted)
	}

	reply = d.Dispatch(ctx, Command{Kind: KindDelete, EntityType: entities.TypeProtocol, TargetID: protoID})
	require.Nil(t, reply.Error)
	require.NotNil(t, reply.Deleted)
	assert.True(t, *reply.Deleted)

	// Retried delete reports false without error and without another event.
	eventsBefore := len(published.all())
	reply = d.Dispatch(ctx, Command{Kind: KindDelete, EntityType: entities.TypeProtocol, TargetID: protoID})
	require.Nil(t, reply.Error)
	require.NotNil(t, reply.Deleted)
	assert.False(t, *reply.Deleted)
	assert.Len(t, published.all(), eventsBefore)
}

func TestDispatcher_DeletedEventCarriesLastPayload(t *testing.T) {
	d, published := newTestDispatcher(t)
	ctx := context.Background()

	task := mustCreate(t, d, entities.TypeScheduledTask, `{"version":"1.0","name":"sweep","schedule":"@daily"}`)
	id := entityID(t, task)

	reply := d.Dispatch(ctx, Command{Kind: KindDelete, EntityType: entities.TypeScheduledTask, TargetID: id})
	require.Nil(t, reply.Error)

	evs := published.all()
	require.Len(t, evs, 2)
	deleted := evs[1]
	assert.Equal(t, events.ActionDeleted, deleted.Action)
	assert.Equal(t, id, deleted.EntityID)
	assert.Equal(t, "1.0_sweep", deleted.CompositeKey)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(deleted.Entity, &payload))
	assert.Equal(t, "@daily", payload["schedule"])
}

func TestDispatcher_ValidateDeletionAndInventory(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	proto := mustCreate(t, d, entities.TypeProtocol, `{"version":"1.0","name":"mqtt"}`)
	protoID := entityID(t, proto)
	mustCreate(t, d, entities.TypeSource, `{"address":"a","version":"1.0","name":"s1","protocolId":"`+protoID+`"}`)

	reply := d.Dispatch(ctx, Command{Kind: KindValidateDeletion, EntityType: entities.TypeProtocol, TargetID: protoID})
	require.Nil(t, reply.Error)
	require.NotNil(t, reply.Validation)
	assert.False(t, reply.Validation.Valid)
	assert.Contains(t, reply.Validation.Message, "cannot be deleted")

	reply = d.Dispatch(ctx, Command{Kind: KindReferenceInventory, EntityType: entities.TypeProtocol, TargetID: protoID})
	require.Nil(t, reply.Error)
	require.NotNil(t, reply.References)
	assert.Equal(t, int64(1), reply.References.Counts()[entities.TypeSource])
}

func TestDispatcher_ListOrdersByCompositeKey(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	mustCreate(t, d, entities.TypeProtocol, `{"version":"2.0","name":"amqp"}`)
	mustCreate(t, d, entities.TypeProtocol, `{"version":"1.0","name":"mqtt"}`)
	mustCreate(t, d, entities.TypeProtocol, `{"version":"1.0","name":"coap"}`)

	reply := d.Dispatch(ctx, Command{Kind: KindList, EntityType: entities.TypeProtocol})
	require.Nil(t, reply.Error)
	require.Len(t, reply.Entities, 3)

	names := make([]string, 0, 3)
	for _, raw := range reply.Entities {
		var doc map[string]any
		require.NoError(t, json.Unmarshal(raw, &doc))
		names = append(names, doc["name"].(string))
	}
	// Ordered by composite key: 1.0_coap, 1.0_mqtt, 2.0_amqp.
	assert.Equal(t, []string{"coap", "mqtt", "amqp"}, names)
}

type fakeGuard struct {
	mu       sync.Mutex
	locks    []string
	released int
}

func (g *fakeGuard) Lock(_ context.Context, entityType entities.Type, id string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locks = append(g.locks, string(entityType)+"/"+id)
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.released++
	}, nil
}

func TestDispatcher_DeleteGuardScopesReferencedTypes(t *testing.T) {
	docs := newTestStore(t)
	guard := &fakeGuard{}
	d := NewDispatcher(DispatcherConfig{
		Integrity: refgraph.NewService(docs, refgraph.DefaultGraph()),
		Guard:     guard,
	})
	RegisterAll(d, docs)
	ctx := context.Background()

	proto := mustCreate(t, d, entities.TypeProtocol, `{"version":"1.0","name":"mqtt"}`)
	protoID := entityID(t, proto)
	task := mustCreate(t, d, entities.TypeScheduledTask, `{"version":"1.0","name":"sweep","schedule":"@daily"}`)

	reply := d.Dispatch(ctx, Command{Kind: KindDelete, EntityType: entities.TypeProtocol, TargetID: protoID})
	require.Nil(t, reply.Error)
	assert.Equal(t, []string{"protocol/" + protoID}, guard.locks)
	assert.Equal(t, 1, guard.released)

	// Types nothing can reference skip the guard.
	reply = d.Dispatch(ctx, Command{Kind: KindDelete, EntityType: entities.TypeScheduledTask, TargetID: entityID(t, task)})
	require.Nil(t, reply.Error)
	assert.Len(t, guard.locks, 1)
}

func TestDispatcher_TypesAreSorted(t *testing.T) {
	d, _ := newTestDispatcher(t)

	types := d.Types()
	require.Len(t, types, len(entities.Types()))
	for i := 1; i < len(types); i++ {
		assert.Less(t, string(types[i-1]), string(types[i]))
	}
}

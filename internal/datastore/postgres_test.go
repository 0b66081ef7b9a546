package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/dataflow-works/config-registry/pkg/commands"
	"github.com/dataflow-works/config-registry/pkg/entities"
	"github.com/dataflow-works/config-registry/pkg/refgraph"
	"github.com/dataflow-works/config-registry/pkg/store"
)

// startPostgres launches a disposable PostgreSQL container and returns its
// DSN. The suite only runs when REGISTRY_POSTGRES_TESTS is set, so a plain
// `go test ./...` stays container-free.
func startPostgres(t *testing.T) string {
	t.Helper()
	if os.Getenv("REGISTRY_POSTGRES_TESTS") == "" {
		t.Skip("set REGISTRY_POSTGRES_TESTS=1 to run PostgreSQL container tests")
	}
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("registry"),
		tcpostgres.WithUsername("registry"),
		tcpostgres.WithPassword("registry"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("container connection string: %v", err)
	}
	return dsn
}

func TestPostgres_MigrateAndUniqueIndex(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	db, err := Connect(Config{Type: TypePostgres, DSN: dsn})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	docs := store.NewDocumentStore(db)
	if err := Migrate(ctx, db, docs.AutoMigrate); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !db.Migrator().HasTable("documents") {
		t.Fatal("documents table missing after migration")
	}

	// Re-running migrations must be a no-op, not an error.
	if err := Migrate(ctx, db, docs.AutoMigrate); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	first := &store.Document{
		ID:           "11111111-1111-1111-1111-111111111111",
		Collection:   "protocol",
		CompositeKey: "1.0_mqtt",
		Payload:      `{"name":"mqtt","version":"1.0"}`,
	}
	if err := docs.Insert(ctx, first, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	second := &store.Document{
		ID:           "22222222-2222-2222-2222-222222222222",
		Collection:   "protocol",
		CompositeKey: "1.0_mqtt",
		Payload:      `{"name":"mqtt","version":"1.0"}`,
	}
	err = docs.Insert(ctx, second, nil)
	if !errors.Is(err, store.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey from the unique index, got %v", err)
	}

	// The same key in a different collection is fine.
	other := &store.Document{
		ID:           "33333333-3333-3333-3333-333333333333",
		Collection:   "source",
		CompositeKey: "1.0_mqtt",
		Payload:      `{}`,
	}
	if err := docs.Insert(ctx, other, nil); err != nil {
		t.Fatalf("insert into other collection: %v", err)
	}
}

func TestPostgres_DeleteGuardMutualExclusion(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	db, err := Connect(Config{Type: TypePostgres, DSN: dsn})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	guard := NewDeleteGuard(db)
	if guard == nil {
		t.Fatal("expected an advisory delete guard on postgres")
	}

	release, err := guard.Lock(ctx, entities.TypeProtocol, "doc-1")
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}

	// While held, a second acquisition of the same document blocks until
	// its context runs out.
	blockedCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if _, err := guard.Lock(blockedCtx, entities.TypeProtocol, "doc-1"); err == nil {
		t.Fatal("second lock on the held document should not succeed")
	}

	// A different document is an independent lock.
	otherRelease, err := guard.Lock(ctx, entities.TypeProtocol, "doc-2")
	if err != nil {
		t.Fatalf("lock on other document: %v", err)
	}
	otherRelease()

	release()

	// Released locks can be taken again.
	again, err := guard.Lock(ctx, entities.TypeProtocol, "doc-1")
	if err != nil {
		t.Fatalf("relock after release: %v", err)
	}
	again()
}

func TestPostgres_CommandRoundTrip(t *testing.T) {
	dsn := startPostgres(t)

	db, err := Connect(Config{Type: TypePostgres, DSN: dsn})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	docs := store.NewDocumentStore(db)
	if err := Migrate(context.Background(), db, docs.AutoMigrate); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dispatcher := commands.NewDispatcher(commands.DispatcherConfig{
		Integrity: refgraph.NewService(docs, refgraph.DefaultGraph()),
		Guard:     NewDeleteGuard(db),
		Logger:    logger,
	})
	commands.RegisterAll(dispatcher, docs)
	bus := commands.NewBus(dispatcher, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bus.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("bus did not stop")
		}
	})

	execute := func(cmd commands.Command) commands.Reply {
		t.Helper()
		reply, err := bus.Execute(ctx, cmd)
		if err != nil {
			t.Fatalf("execute %s %s: %v", cmd.Kind, cmd.EntityType, err)
		}
		return reply
	}

	entityID := func(raw json.RawMessage) string {
		t.Helper()
		var probe struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			t.Fatalf("decode entity: %v", err)
		}
		return probe.ID
	}

	reply := execute(commands.Command{
		Kind:       commands.KindCreate,
		EntityType: entities.TypeProtocol,
		Payload:    json.RawMessage(`{"name":"mqtt","version":"1.0"}`),
		Actor:      "itest",
	})
	if reply.Error != nil {
		t.Fatalf("create protocol: %s", reply.Error.Message)
	}
	protocolID := entityID(reply.Entity)

	// Same composite key again rides the unique index into a conflict.
	reply = execute(commands.Command{
		Kind:       commands.KindCreate,
		EntityType: entities.TypeProtocol,
		Payload:    json.RawMessage(`{"name":"mqtt","version":"1.0"}`),
		Actor:      "itest",
	})
	if reply.Error == nil || reply.Error.Kind != commands.ErrorDuplicateKey {
		t.Fatalf("expected duplicate_key, got %+v", reply.Error)
	}

	reply = execute(commands.Command{
		Kind:       commands.KindCreate,
		EntityType: entities.TypeSource,
		Payload: json.RawMessage(`{"name":"plant-7","version":"1.0",` +
			`"address":"tcp://plant-7:1883","protocolId":"` + protocolID + `"}`),
		Actor: "itest",
	})
	if reply.Error != nil {
		t.Fatalf("create source: %s", reply.Error.Message)
	}
	sourceID := entityID(reply.Entity)

	// The referenced protocol cannot be deleted.
	reply = execute(commands.Command{
		Kind:       commands.KindDelete,
		EntityType: entities.TypeProtocol,
		TargetID:   protocolID,
		Actor:      "itest",
	})
	if reply.Error == nil || reply.Error.Kind != commands.ErrorReferenceConflict {
		t.Fatalf("expected reference_conflict, got %+v", reply.Error)
	}

	reply = execute(commands.Command{
		Kind:       commands.KindValidateDeletion,
		EntityType: entities.TypeProtocol,
		TargetID:   protocolID,
	})
	if reply.Error != nil {
		t.Fatalf("validate deletion: %s", reply.Error.Message)
	}
	if reply.Validation == nil || reply.Validation.Valid {
		t.Fatalf("expected blocked validation, got %+v", reply.Validation)
	}
	counts := reply.Validation.References.Counts()
	if counts[entities.TypeSource] != 1 {
		t.Fatalf("expected one source blocker, got %v", counts)
	}

	// Removing the dependent frees the protocol.
	reply = execute(commands.Command{
		Kind:       commands.KindDelete,
		EntityType: entities.TypeSource,
		TargetID:   sourceID,
		Actor:      "itest",
	})
	if reply.Error != nil {
		t.Fatalf("delete source: %s", reply.Error.Message)
	}

	reply = execute(commands.Command{
		Kind:       commands.KindDelete,
		EntityType: entities.TypeProtocol,
		TargetID:   protocolID,
		Actor:      "itest",
	})
	if reply.Error != nil {
		t.Fatalf("delete protocol: %s", reply.Error.Message)
	}
	if reply.Deleted == nil || !*reply.Deleted {
		t.Fatal("protocol should report deleted")
	}
}

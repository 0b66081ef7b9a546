package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dataflow-works/config-registry/pkg/entities"
	"github.com/dataflow-works/config-registry/pkg/events"
	"github.com/dataflow-works/config-registry/pkg/identity"
	"github.com/dataflow-works/config-registry/pkg/refgraph"
	"github.com/dataflow-works/config-registry/pkg/repository"
	"github.com/dataflow-works/config-registry/pkg/store"
)

// DeleteGuard serializes the referential check of a delete against
// concurrent dependent writes on backends that support it. A nil guard runs
// the check without extra locking, accepting the bounded window between
// check and commit.
type DeleteGuard interface {
	// Lock acquires a mutual-exclusion scope for the entity and returns the
	// release func. Release must always be called.
	Lock(ctx context.Context, entityType entities.Type, id string) (release func(), err error)
}

// typeHandler adapts one entity type's generic repository to the
// kind-dispatched command surface. The closures close over the concrete
// repository so the dispatcher itself stays untyped.
type typeHandler struct {
	entityType entities.Type
	decode     func(payload []byte) (entities.Entity, error)
	create     func(ctx context.Context, e entities.Entity) (entities.Entity, error)
	update     func(ctx context.Context, e entities.Entity) (entities.Entity, error)
	getByID    func(ctx context.Context, id string) (entities.Entity, error)
	getByKey   func(ctx context.Context, key string) (entities.Entity, error)
	list       func(ctx context.Context) ([]entities.Entity, error)
	remove     func(ctx context.Context, id string) (bool, error)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Integrity validates deletes and identity changes. Required.
	Integrity *refgraph.Service
	// Publisher receives one event per committed mutation. Defaults to a
	// no-op publisher.
	Publisher events.Publisher
	// Guard, when set, serializes referential delete checks.
	Guard DeleteGuard
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Dispatcher routes commands to per-type handlers built from the generic
// repositories.
type Dispatcher struct {
	integrity *refgraph.Service
	publisher events.Publisher
	guard     DeleteGuard
	logger    *slog.Logger
	handlers  map[entities.Type]*typeHandler
}

// NewDispatcher creates a Dispatcher. Entity types are wired in with
// Register or RegisterAll.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		integrity: cfg.Integrity,
		publisher: publisher,
		guard:     cfg.Guard,
		logger:    logger,
		handlers:  make(map[entities.Type]*typeHandler),
	}
}

// Register wires one entity type's repository into the dispatcher.
func Register[T entities.Entity](d *Dispatcher, repo *repository.Repository[T]) {
	d.handlers[repo.Collection()] = &typeHandler{
		entityType: repo.Collection(),
		decode: func(payload []byte) (entities.Entity, error) {
			entity := repo.NewEntity()
			if err := json.Unmarshal(payload, entity); err != nil {
				return nil, fmt.Errorf("%w: decode %s payload: %v", repository.ErrInvalid, repo.Collection(), err)
			}
			return entity, nil
		},
		create: func(ctx context.Context, e entities.Entity) (entities.Entity, error) {
			return repo.Create(ctx, e.(T))
		},
		update: func(ctx context.Context, e entities.Entity) (entities.Entity, error) {
			return repo.Update(ctx, e.(T))
		},
		getByID: func(ctx context.Context, id string) (entities.Entity, error) {
			return repo.GetByID(ctx, id)
		},
		getByKey: func(ctx context.Context, key string) (entities.Entity, error) {
			return repo.GetByCompositeKey(ctx, key)
		},
		list: func(ctx context.Context) ([]entities.Entity, error) {
			items, err := repo.List(ctx)
			if err != nil {
				return nil, err
			}
			out := make([]entities.Entity, 0, len(items))
			for _, item := range items {
				out = append(out, item)
			}
			return out, nil
		},
		remove: func(ctx context.Context, id string) (bool, error) {
			return repo.Delete(ctx, id)
		},
	}
}

// RegisterAll wires a repository for every entity type over the shared
// document store.
func RegisterAll(d *Dispatcher, docs store.Store) {
	Register(d, repository.New(repository.Config[*entities.Protocol]{Store: docs, New: func() *entities.Protocol { return &entities.Protocol{} }}))
	Register(d, repository.New(repository.Config[*entities.Source]{Store: docs, New: func() *entities.Source { return &entities.Source{} }}))
	Register(d, repository.New(repository.Config[*entities.Destination]{Store: docs, New: func() *entities.Destination { return &entities.Destination{} }}))
	Register(d, repository.New(repository.Config[*entities.Importer]{Store: docs, New: func() *entities.Importer { return &entities.Importer{} }}))
	Register(d, repository.New(repository.Config[*entities.Exporter]{Store: docs, New: func() *entities.Exporter { return &entities.Exporter{} }}))
	Register(d, repository.New(repository.Config[*entities.Processor]{Store: docs, New: func() *entities.Processor { return &entities.Processor{} }}))
	Register(d, repository.New(repository.Config[*entities.ProcessingChain]{Store: docs, New: func() *entities.ProcessingChain { return &entities.ProcessingChain{} }}))
	Register(d, repository.New(repository.Config[*entities.Step]{Store: docs, New: func() *entities.Step { return &entities.Step{} }}))
	Register(d, repository.New(repository.Config[*entities.Assignment]{Store: docs, New: func() *entities.Assignment { return &entities.Assignment{} }}))
	Register(d, repository.New(repository.Config[*entities.Flow]{Store: docs, New: func() *entities.Flow { return &entities.Flow{} }}))
	Register(d, repository.New(repository.Config[*entities.ScheduledTask]{Store: docs, New: func() *entities.ScheduledTask { return &entities.ScheduledTask{} }}))
	Register(d, repository.New(repository.Config[*entities.ScheduledFlow]{Store: docs, New: func() *entities.ScheduledFlow { return &entities.ScheduledFlow{} }}))
}

// Types returns the registered entity types in stable order.
func (d *Dispatcher) Types() []entities.Type {
	out := make([]entities.Type, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch executes one command and returns its reply. Dispatch never
// returns transport errors; failures are carried in the reply.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) Reply {
	reply := Reply{CommandID: cmd.ID}
	h, ok := d.handlers[cmd.EntityType]
	if !ok {
		reply.Error = invalidError("unknown entity type %q", cmd.EntityType)
		return reply
	}
	if cmd.Actor != "" {
		ctx = identity.WithPrincipal(ctx, identity.Principal{Name: cmd.Actor})
	}

	switch cmd.Kind {
	case KindCreate:
		d.handleCreate(ctx, h, cmd, &reply)
	case KindUpdate:
		d.handleUpdate(ctx, h, cmd, &reply)
	case KindDelete:
		d.handleDelete(ctx, h, cmd, &reply)
	case KindGet:
		d.handleGet(ctx, h, cmd, &reply)
	case KindGetByKey:
		d.handleGetByKey(ctx, h, cmd, &reply)
	case KindList:
		d.handleList(ctx, h, &reply)
	case KindValidateDeletion:
		d.handleValidateDeletion(ctx, cmd, &reply)
	case KindReferenceInventory:
		d.handleReferenceInventory(ctx, cmd, &reply)
	default:
		reply.Error = invalidError("unknown command kind %q", cmd.Kind)
	}
	return reply
}

func (d *Dispatcher) handleCreate(ctx context.Context, h *typeHandler, cmd Command, reply *Reply) {
	entity, err := h.decode(cmd.Payload)
	if err != nil {
		reply.Error = NewError(err)
		return
	}
	created, err := h.create(ctx, entity)
	if err != nil {
		reply.Error = NewError(err)
		return
	}
	d.publish(ctx, events.ActionCreated, created)
	reply.Entity, err = rawEntity(created)
	if err != nil {
		reply.Error = NewError(err)
	}
}

func (d *Dispatcher) handleUpdate(ctx context.Context, h *typeHandler, cmd Command, reply *Reply) {
	entity, err := h.decode(cmd.Payload)
	if err != nil {
		reply.Error = NewError(err)
		return
	}
	rec := entity.GetRecord()
	if cmd.TargetID != "" {
		if rec.ID != "" && rec.ID != cmd.TargetID {
			reply.Error = invalidError("payload id %q does not match target id %q", rec.ID, cmd.TargetID)
			return
		}
		rec.ID = cmd.TargetID
	}
	if rec.ID == "" {
		reply.Error = invalidError("update requires a target id")
		return
	}

	current, err := h.getByID(ctx, rec.ID)
	if err != nil {
		reply.Error = NewError(err)
		return
	}
	// A key change moves the entity's external identity; referenced types
	// may only do that while nothing depends on them.
	if current.CompositeKey() != entity.CompositeKey() && d.integrity.Graph().IsReferenced(cmd.EntityType) {
		result, err := d.integrity.ValidateIdentityChange(ctx, cmd.EntityType, rec.ID, current.CompositeKey(), entity.CompositeKey())
		if err != nil {
			reply.Error = NewError(err)
			return
		}
		if !result.Valid {
			reply.Validation = &result
			reply.Error = NewError(result.Err())
			return
		}
	}

	updated, err := h.update(ctx, entity)
	if err != nil {
		reply.Error = NewError(err)
		return
	}
	d.publish(ctx, events.ActionUpdated, updated)
	reply.Entity, err = rawEntity(updated)
	if err != nil {
		reply.Error = NewError(err)
	}
}

func (d *Dispatcher) handleDelete(ctx context.Context, h *typeHandler, cmd Command, reply *Reply) {
	if cmd.TargetID == "" {
		reply.Error = invalidError("delete requires a target id")
		return
	}
	if d.integrity.Graph().IsReferenced(cmd.EntityType) {
		if d.guard != nil {
			release, err := d.guard.Lock(ctx, cmd.EntityType, cmd.TargetID)
			if err != nil {
				reply.Error = NewError(fmt.Errorf("acquire delete guard: %w", err))
				return
			}
			defer release()
		}
		result, err := d.integrity.ValidateDeletion(ctx, cmd.EntityType, cmd.TargetID)
		if err != nil {
			reply.Error = NewError(err)
			return
		}
		if !result.Valid {
			reply.Validation = &result
			reply.Error = NewError(result.Err())
			return
		}
	}

	// Snapshot before removal so the deleted event can carry the last
	// stored payload.
	snapshot, err := h.getByID(ctx, cmd.TargetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			deleted := false
			reply.Deleted = &deleted
			return
		}
		reply.Error = NewError(err)
		return
	}
	deleted, err := h.remove(ctx, cmd.TargetID)
	if err != nil {
		reply.Error = NewError(err)
		return
	}
	reply.Deleted = &deleted
	if deleted {
		d.publish(ctx, events.ActionDeleted, snapshot)
	}
}

func (d *Dispatcher) handleGet(ctx context.Context, h *typeHandler, cmd Command, reply *Reply) {
	if cmd.TargetID == "" {
		reply.Error = invalidError("get requires a target id")
		return
	}
	entity, err := h.getByID(ctx, cmd.TargetID)
	if err != nil {
		reply.Error = NewError(err)
		return
	}
	reply.Entity, err = rawEntity(entity)
	if err != nil {
		reply.Error = NewError(err)
	}
}

func (d *Dispatcher) handleGetByKey(ctx context.Context, h *typeHandler, cmd Command, reply *Reply) {
	if cmd.CompositeKey == "" {
		reply.Error = invalidError("get_by_key requires a composite key")
		return
	}
	entity, err := h.getByKey(ctx, cmd.CompositeKey)
	if err != nil {
		reply.Error = NewError(err)
		return
	}
	reply.Entity, err = rawEntity(entity)
	if err != nil {
		reply.Error = NewError(err)
	}
}

func (d *Dispatcher) handleList(ctx context.Context, h *typeHandler, reply *Reply) {
	items, err := h.list(ctx)
	if err != nil {
		reply.Error = NewError(err)
		return
	}
	reply.Entities = make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		raw, err := rawEntity(item)
		if err != nil {
			reply.Error = NewError(err)
			return
		}
		reply.Entities = append(reply.Entities, raw)
	}
}

func (d *Dispatcher) handleValidateDeletion(ctx context.Context, cmd Command, reply *Reply) {
	if cmd.TargetID == "" {
		reply.Error = invalidError("validate_deletion requires a target id")
		return
	}
	result, err := d.integrity.ValidateDeletion(ctx, cmd.EntityType, cmd.TargetID)
	if err != nil {
		reply.Error = NewError(err)
		return
	}
	reply.Validation = &result
}

func (d *Dispatcher) handleReferenceInventory(ctx context.Context, cmd Command, reply *Reply) {
	if cmd.TargetID == "" {
		reply.Error = invalidError("reference_inventory requires a target id")
		return
	}
	info, err := d.integrity.ReferenceInventory(ctx, cmd.EntityType, cmd.TargetID)
	if err != nil {
		reply.Error = NewError(err)
		return
	}
	reply.References = &info
}

func (d *Dispatcher) publish(ctx context.Context, action events.Action, entity entities.Entity) {
	event, err := events.NewEvent(action, entity, identity.ActorFromContext(ctx))
	if err != nil {
		d.logger.Warn("skipping event for unencodable entity",
			"action", action, "entityType", entity.EntityType(), "error", err)
		return
	}
	if err := d.publisher.Publish(ctx, event); err != nil {
		d.logger.Warn("failed to publish event",
			"action", action, "entityType", event.EntityType, "entityId", event.EntityID, "error", err)
	}
}

func rawEntity(e entities.Entity) (json.RawMessage, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s reply: %w", e.EntityType(), err)
	}
	return raw, nil
}

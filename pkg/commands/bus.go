package commands

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBusy is returned by Submit when the command queue is full.
var ErrBusy = errors.New("command queue full")

type task struct {
	ctx   context.Context
	cmd   Command
	reply chan Reply
}

// Bus feeds submitted commands through a bounded queue to a pool of
// dispatch workers. Each command is processed once and answered on its own
// reply channel.
type Bus struct {
	dispatcher *Dispatcher
	cfg        *BusConfig
	logger     *slog.Logger
	queue      chan task
	wg         sync.WaitGroup
}

// NewBus creates a command bus over the dispatcher. Pass nil for default
// config or logger.
func NewBus(dispatcher *Dispatcher, cfg *BusConfig, logger *slog.Logger) *Bus {
	if cfg == nil {
		cfg = DefaultBusConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		queue:      make(chan task, cfg.QueueSize),
	}
}

// Run processes submitted commands until ctx is cancelled. It blocks.
// Commands still queued at shutdown are dropped; their submitters unblock
// through their own contexts.
func (b *Bus) Run(ctx context.Context) {
	b.logger.Info("command bus starting",
		"workers", b.cfg.Workers,
		"queueSize", b.cfg.QueueSize,
		"commandTimeout", b.cfg.CommandTimeout)

	for i := 0; i < b.cfg.Workers; i++ {
		b.wg.Add(1)
		go b.workerLoop(ctx, i)
	}

	<-ctx.Done()
	b.logger.Info("command bus stopping")
	b.wg.Wait()
}

// Submit enqueues cmd and returns the channel that will carry its single
// reply. Submit never blocks: a full queue fails fast with ErrBusy.
func (b *Bus) Submit(ctx context.Context, cmd Command) (<-chan Reply, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now().UTC()
	}
	replyCh := make(chan Reply, 1)
	select {
	case b.queue <- task{ctx: ctx, cmd: cmd, reply: replyCh}:
		return replyCh, nil
	default:
		return nil, ErrBusy
	}
}

// Execute submits cmd and waits for its reply or for ctx to end.
func (b *Bus) Execute(ctx context.Context, cmd Command) (Reply, error) {
	replyCh, err := b.Submit(ctx, cmd)
	if err != nil {
		return Reply{}, err
	}
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

func (b *Bus) workerLoop(ctx context.Context, workerID int) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-b.queue:
			b.process(t, workerID)
		}
	}
}

func (b *Bus) process(t task, workerID int) {
	ctx, cancel := context.WithTimeout(t.ctx, b.cfg.CommandTimeout)
	defer cancel()

	started := time.Now()
	reply := b.dispatcher.Dispatch(ctx, t.cmd)
	if reply.Error != nil {
		b.logger.Debug("command failed",
			"worker", workerID,
			"commandId", t.cmd.ID,
			"kind", t.cmd.Kind,
			"entityType", t.cmd.EntityType,
			"errorKind", reply.Error.Kind,
			"duration", time.Since(started))
	}

	// Reply channels are buffered for exactly one message, so this never
	// blocks even when the submitter has gone away.
	t.reply <- reply
}

// Package ha provides high-availability primitives for running the registry
// with multiple replicas. Leader election hands singleton background loops,
// such as audit retention and seed re-sync, to exactly one replica at a time
// by competing for a database lease row. Schema migration locking is handled
// separately by internal/datastore.
package ha

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
)

// leaderLease is the single row a replica set competes for. The holder keeps
// it by advancing expires_at; followers claim it once the expiry passes.
type leaderLease struct {
	Name      string    `gorm:"column:name;primaryKey;type:varchar(64)"`
	Holder    string    `gorm:"column:holder;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null"`
}

func (leaderLease) TableName() string { return "leader_leases" }

// LeaderElector manages database-lease leader election. Followers poll for
// an expired or missing lease every RetryPeriod; the leader renews on the
// same cadence and steps down as soon as a renewal finds the lease gone.
// Renewal runs several times per lease duration, so modest clock skew
// between replicas does not cause spurious takeovers.
type LeaderElector struct {
	db     *gorm.DB
	cfg    *Config
	logger *slog.Logger

	mu       sync.RWMutex
	isLeader bool

	onStart func(ctx context.Context)
	onStop  func()
}

// NewLeaderElector creates an elector on db. A nil cfg gets defaults and a
// nil logger gets slog.Default().
func NewLeaderElector(db *gorm.DB, cfg *Config, logger *slog.Logger) *LeaderElector {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Identity == "" {
		cfg.Identity = defaultIdentity()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaderElector{
		db:     db,
		cfg:    cfg,
		logger: logger,
	}
}

// AutoMigrate creates the lease table.
func (le *LeaderElector) AutoMigrate() error {
	return le.db.AutoMigrate(&leaderLease{})
}

// OnStartLeading registers a callback invoked in its own goroutine when this
// instance becomes leader. The context passed to it is cancelled when
// leadership is lost or the elector shuts down.
func (le *LeaderElector) OnStartLeading(fn func(ctx context.Context)) {
	le.onStart = fn
}

// OnStopLeading registers a callback invoked when this instance loses
// leadership.
func (le *LeaderElector) OnStopLeading(fn func()) {
	le.onStop = fn
}

// IsLeader reports whether this instance currently holds the lease.
func (le *LeaderElector) IsLeader() bool {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.isLeader
}

// Run drives the election until ctx ends. On shutdown a leader deletes its
// lease row so a follower can take over without waiting out the expiry.
func (le *LeaderElector) Run(ctx context.Context) {
	le.logger.Info("starting leader election",
		"identity", le.cfg.Identity,
		"lease", le.cfg.LeaseName,
		"leaseDuration", le.cfg.LeaseDuration,
		"retryPeriod", le.cfg.RetryPeriod,
	)

	ticker := time.NewTicker(le.cfg.RetryPeriod)
	defer ticker.Stop()

	var leadCancel context.CancelFunc

	for {
		if le.IsLeader() {
			if err := le.renew(ctx); err != nil && ctx.Err() == nil {
				le.logger.Info("lost leadership", "identity", le.cfg.Identity, "error", err)
				le.stepDown(&leadCancel)
			}
		} else if le.tryAcquire(ctx) {
			le.mu.Lock()
			le.isLeader = true
			le.mu.Unlock()
			le.logger.Info("elected as leader", "identity", le.cfg.Identity)

			var leadCtx context.Context
			leadCtx, leadCancel = context.WithCancel(ctx)
			if le.onStart != nil {
				go le.onStart(leadCtx)
			}
		}

		select {
		case <-ctx.Done():
			if le.IsLeader() {
				le.stepDown(&leadCancel)
				le.release()
			}
			le.logger.Info("leader election stopped", "identity", le.cfg.Identity)
			return
		case <-ticker.C:
		}
	}
}

// tryAcquire claims the lease when it is expired or already ours, creating
// the row if no candidate has written it yet.
func (le *LeaderElector) tryAcquire(ctx context.Context) bool {
	now := time.Now().UTC()
	expiry := now.Add(le.cfg.LeaseDuration)

	res := le.db.WithContext(ctx).Model(&leaderLease{}).
		Where("name = ? AND (holder = ? OR expires_at <= ?)", le.cfg.LeaseName, le.cfg.Identity, now).
		Updates(map[string]any{"holder": le.cfg.Identity, "expires_at": expiry})
	if res.Error != nil {
		le.logger.Error("lease acquisition failed", "lease", le.cfg.LeaseName, "error", res.Error)
		return false
	}
	if res.RowsAffected > 0 {
		return true
	}

	// Nothing claimable via update: either another holder is live or the
	// row does not exist yet. The insert settles the race between
	// first-time candidates; a failure here just means we stay a follower
	// until the next tick.
	err := le.db.WithContext(ctx).Create(&leaderLease{
		Name:      le.cfg.LeaseName,
		Holder:    le.cfg.Identity,
		ExpiresAt: expiry,
	}).Error
	return err == nil
}

// renew extends the lease held by this instance. A non-nil error means the
// lease is no longer ours.
func (le *LeaderElector) renew(ctx context.Context) error {
	res := le.db.WithContext(ctx).Model(&leaderLease{}).
		Where("name = ? AND holder = ?", le.cfg.LeaseName, le.cfg.Identity).
		Update("expires_at", time.Now().UTC().Add(le.cfg.LeaseDuration))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("lease is held by another replica")
	}
	return nil
}

// stepDown clears leader state and stops the leader's loops.
func (le *LeaderElector) stepDown(leadCancel *context.CancelFunc) {
	le.mu.Lock()
	le.isLeader = false
	le.mu.Unlock()
	if *leadCancel != nil {
		(*leadCancel)()
		*leadCancel = nil
	}
	if le.onStop != nil {
		le.onStop()
	}
}

// release deletes the lease row on shutdown. Run's context is already done
// at this point, so it uses a fresh one.
func (le *LeaderElector) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := le.db.WithContext(ctx).
		Where("name = ? AND holder = ?", le.cfg.LeaseName, le.cfg.Identity).
		Delete(&leaderLease{}).Error
	if err != nil {
		le.logger.Error("lease release failed", "lease", le.cfg.LeaseName, "error", err)
	}
}

// Package replica maintains this process's membership in the shared replica
// registry and evicts peers that stop heartbeating
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/kode4food/stalwart/internal/fault"
	"github.com/kode4food/stalwart/internal/metrics"
	"github.com/kode4food/stalwart/internal/scheduler"
	"github.com/kode4food/stalwart/internal/store"
	"github.com/kode4food/stalwart/pkg/api"
	"github.com/kode4food/stalwart/pkg/log"
)

type (
	// Store is the part of the storage contract membership depends on
	Store interface {
		Replicas() store.ReplicaStore
		RescheduleCrashedFunctions(
			ctx context.Context, owner api.ReplicaID,
		) (int, error)
		GetOwnerReplicas(ctx context.Context) ([]api.ReplicaID, error)
	}

	// Scheduler runs the delayed safety-net reschedule after an eviction
	Scheduler interface {
		Schedule(
			ctx context.Context, key string, at time.Time,
			fn scheduler.TaskFunc,
		)
	}

	// Config carries the Watchdog's identity, cadence, and collaborators
	Config struct {
		ReplicaID          api.ReplicaID
		HeartbeatFrequency time.Duration
		RestartDelay       time.Duration
		Store              Store
		Scheduler          Scheduler
		Reporter           fault.Reporter
		Metrics            *metrics.Metrics
		Clock              func() time.Time
	}

	// Watchdog heartbeats this replica and strikes out silent peers
	Watchdog struct {
		Config
		cluster atomic.Pointer[api.ClusterInfo]
		strikes map[api.ReplicaID]strike
	}

	strike struct {
		heartbeat int64
		count     int
	}
)

const (
	// EvictionStrikes is the number of unchanged heartbeats that evicts a
	// peer
	EvictionStrikes = 2

	// SafetyNetDelay is how long after an eviction the peer's work is
	// rescheduled a second time
	SafetyNetDelay = 5 * time.Second

	DefaultHeartbeatFrequency = time.Second
)

var ErrNotRegistered = errors.New("replica could not rejoin the registry")

// NewWatchdog creates a Watchdog that considers itself the only replica
// until Initialize runs
func NewWatchdog(cfg Config) *Watchdog {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Reporter == nil {
		cfg.Reporter = fault.Logger()
	}
	if cfg.HeartbeatFrequency <= 0 {
		cfg.HeartbeatFrequency = DefaultHeartbeatFrequency
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = fault.RestartDelay
	}
	w := &Watchdog{
		Config:  cfg,
		strikes: map[api.ReplicaID]strike{},
	}
	w.cluster.Store(&api.ClusterInfo{
		ReplicaID: cfg.ReplicaID,
		Count:     1,
	})
	return w
}

// Cluster returns this replica's latest view of the live cluster
func (w *Watchdog) Cluster() api.ClusterInfo {
	return *w.cluster.Load()
}

// Initialize reschedules work owned by replicas absent from the registry,
// registers this replica, and computes the initial cluster view
func (w *Watchdog) Initialize(ctx context.Context) error {
	replicas := w.Store.Replicas()
	all, err := replicas.GetAll(ctx)
	if err != nil {
		return err
	}
	if err := w.rescheduleOrphans(ctx, all); err != nil {
		return err
	}

	self := api.StoredReplica{
		ID:        w.ReplicaID,
		Heartbeat: w.Clock().UnixMilli(),
	}
	if err := replicas.Insert(ctx, self); err != nil {
		return err
	}
	all = append(slices.DeleteFunc(all, func(r api.StoredReplica) bool {
		return r.ID == w.ReplicaID
	}), self)
	for _, r := range all {
		if r.ID != w.ReplicaID {
			w.strikes[r.ID] = strike{heartbeat: r.Heartbeat}
		}
	}
	w.updateCluster(all)
	slog.Info("Replica joined",
		log.ReplicaID(w.ReplicaID),
		slog.Int("replicas", len(all)))
	return nil
}

// Run heartbeats until ctx is done, restarting after a delay whenever a
// check fails
func (w *Watchdog) Run(ctx context.Context) {
	fault.Supervise(ctx, fault.ComponentReplica, w.Reporter, w.RestartDelay,
		w.loop,
	)
}

// Check performs one heartbeat iteration
func (w *Watchdog) Check(ctx context.Context) error {
	all, err := w.heartbeat(ctx)
	if err != nil {
		return err
	}
	if !containsReplica(all, w.ReplicaID) {
		slog.Warn("Replica missing from registry, rejoining",
			log.ReplicaID(w.ReplicaID))
		clear(w.strikes)
		if err := w.Store.Replicas().Insert(ctx, api.StoredReplica{
			ID:        w.ReplicaID,
			Heartbeat: w.Clock().UnixMilli(),
		}); err != nil {
			return err
		}
		if all, err = w.heartbeat(ctx); err != nil {
			return err
		}
		if !containsReplica(all, w.ReplicaID) {
			return ErrNotRegistered
		}
	}

	live := make([]api.StoredReplica, 0, len(all))
	seen := make(map[api.ReplicaID]bool, len(all))
	for _, r := range all {
		seen[r.ID] = true
		if r.ID == w.ReplicaID || !w.strike(r) {
			live = append(live, r)
			continue
		}
		if err := w.evict(ctx, r.ID); err != nil {
			return err
		}
	}
	for id := range w.strikes {
		if !seen[id] {
			delete(w.strikes, id)
		}
	}
	w.updateCluster(live)
	return nil
}

// Leave removes this replica from the registry and releases any flows it
// still owns
func (w *Watchdog) Leave(ctx context.Context) error {
	if err := w.Store.Replicas().Delete(ctx, w.ReplicaID); err != nil {
		return err
	}
	n, err := w.Store.RescheduleCrashedFunctions(ctx, w.ReplicaID)
	if err != nil {
		return err
	}
	slog.Info("Replica left",
		log.ReplicaID(w.ReplicaID),
		slog.Int("rescheduled", n))
	return nil
}

func (w *Watchdog) loop(ctx context.Context) error {
	ticker := time.NewTicker(w.HeartbeatFrequency)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Check(ctx); err != nil {
				return err
			}
		}
	}
}

func (w *Watchdog) heartbeat(
	ctx context.Context,
) ([]api.StoredReplica, error) {
	replicas := w.Store.Replicas()
	_, err := replicas.UpdateHeartbeat(ctx, w.ReplicaID, w.Clock().UnixMilli())
	if err != nil {
		return nil, err
	}
	return replicas.GetAll(ctx)
}

// strike records a sighting of a peer and reports whether it has gone
// silent long enough to be evicted
func (w *Watchdog) strike(r api.StoredReplica) bool {
	cur, ok := w.strikes[r.ID]
	if !ok || cur.heartbeat != r.Heartbeat {
		w.strikes[r.ID] = strike{heartbeat: r.Heartbeat}
		return false
	}
	cur.count++
	w.strikes[r.ID] = cur
	return cur.count >= EvictionStrikes
}

func (w *Watchdog) evict(ctx context.Context, peer api.ReplicaID) error {
	if err := w.Store.Replicas().Delete(ctx, peer); err != nil {
		return err
	}
	delete(w.strikes, peer)
	n, err := w.Store.RescheduleCrashedFunctions(ctx, peer)
	if err != nil {
		return err
	}
	if w.Metrics != nil {
		w.Metrics.ReplicaEvictions.Inc()
	}
	slog.Warn("Evicted silent replica",
		log.ReplicaID(peer),
		slog.Int("rescheduled", n))

	if w.Scheduler != nil {
		w.Scheduler.Schedule(ctx, rescheduleKey(peer),
			w.Clock().Add(SafetyNetDelay), func(ctx context.Context) error {
				_, err := w.Store.RescheduleCrashedFunctions(ctx, peer)
				return fault.New(fault.ComponentReplica, err)
			},
		)
	}
	return nil
}

func (w *Watchdog) rescheduleOrphans(
	ctx context.Context, registered []api.StoredReplica,
) error {
	owners, err := w.Store.GetOwnerReplicas(ctx)
	if err != nil {
		return err
	}
	for _, owner := range owners {
		if owner != w.ReplicaID && containsReplica(registered, owner) {
			continue
		}
		n, err := w.Store.RescheduleCrashedFunctions(ctx, owner)
		if err != nil {
			return err
		}
		slog.Info("Rescheduled orphaned flows",
			log.ReplicaID(owner),
			slog.Int("rescheduled", n))
	}
	return nil
}

func (w *Watchdog) updateCluster(live []api.StoredReplica) {
	ids := make([]api.ReplicaID, len(live))
	for i, r := range live {
		ids[i] = r.ID
	}
	slices.Sort(ids)
	offset := max(slices.Index(ids, w.ReplicaID), 0)
	info := &api.ClusterInfo{
		ReplicaID: w.ReplicaID,
		Offset:    offset,
		Count:     max(len(ids), 1),
	}
	w.cluster.Store(info)
	if w.Metrics != nil {
		w.Metrics.Replicas.Set(float64(info.Count))
		w.Metrics.ReplicaOffset.Set(float64(info.Offset))
	}
}

func containsReplica(all []api.StoredReplica, id api.ReplicaID) bool {
	return slices.ContainsFunc(all, func(r api.StoredReplica) bool {
		return r.ID == id
	})
}

func rescheduleKey(peer api.ReplicaID) string {
	return fmt.Sprintf("replica/%s/reschedule", peer)
}

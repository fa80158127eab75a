// Package scheduler triggers reconciliation cycles on a fixed interval and
// performs the housekeeping that follows them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-logr/logr"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/reconcile"
)

const (
	DefaultInterval = 5 * time.Minute
	pruneEvery      = 24 * time.Hour
)

// RecordStore is the part of the record store the scheduler needs.
type RecordStore interface {
	Snapshot(ctx context.Context, defaults reconcile.GlobalDefaults) (reconcile.Snapshot, []string, error)
	Delete(ctx context.Context, fqdn string) error
}

// StatsResetter drops the counters of a hostname.
type StatsResetter interface {
	Reset(ctx context.Context, hostname string) error
}

// AuditPruner drops old audit entries.
type AuditPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler runs one cycle right away and then one per interval. Cycles never
// overlap: a tick that finds a cycle still running is skipped.
type Scheduler struct {
	Engine    *reconcile.Engine
	Records   RecordStore
	Targets   reconcile.Targets
	Defaults  reconcile.GlobalDefaults
	Stats     StatsResetter // optional, cleared for purged records
	Audit     AuditPruner   // optional
	Retention time.Duration // audit retention, 0 keeps everything
	Log       logr.Logger
	Now       func() time.Time

	lastPrune time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// RunOnce runs a single cycle over the stored records and purges the retiring
// rows it settled.
func (s *Scheduler) RunOnce(ctx context.Context) (reconcile.Summary, error) {
	summary, _, err := s.runOnce(ctx)
	return summary, err
}

// Decommission runs a cycle right away after fqdn was retired and reports
// whether its row was purged. The cycle covers every record, so a name that
// another record still wants stays at the provider.
func (s *Scheduler) Decommission(ctx context.Context, fqdn string) (reconcile.Summary, bool, error) {
	summary, purged, err := s.runOnce(ctx)
	if err != nil {
		return summary, false, err
	}
	return summary, slices.Contains(purged, fqdn), nil
}

func (s *Scheduler) runOnce(ctx context.Context) (reconcile.Summary, []string, error) {
	snap, retiring, err := s.Records.Snapshot(ctx, s.Defaults)
	if err != nil {
		return reconcile.Summary{}, nil, fmt.Errorf("scheduler: load records: %w", err)
	}

	summary, err := s.Engine.RunCycle(ctx, snap, s.Targets)
	if err != nil {
		return summary, nil, err
	}
	var purged []string
	for _, fqdn := range retiring {
		if !summary.Settled(fqdn) {
			s.Log.Info("retired record still has provider state, keeping it", "hostname", fqdn)
			continue
		}
		if err := s.Records.Delete(ctx, fqdn); err != nil {
			s.Log.Error(err, "failed to purge retired record", "hostname", fqdn)
			continue
		}
		purged = append(purged, fqdn)
		s.Log.Info("purged retired record", "hostname", fqdn)
		if s.Stats != nil {
			if err := s.Stats.Reset(ctx, fqdn); err != nil {
				s.Log.Error(err, "failed to drop stats of purged record", "hostname", fqdn)
			}
		}
	}
	return summary, purged, nil
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Defaults.CheckInterval
	if interval <= 0 {
		interval = DefaultInterval
	}
	s.Log.Info("scheduler started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			s.Log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.RunOnce(ctx)
	switch {
	case errors.Is(err, reconcile.ErrCycleInProgress):
		s.Log.Info("previous cycle still running, skipping tick")
	case err != nil:
		s.Log.Error(err, "cycle failed")
	}
	s.prune(ctx)
}

// prune drops audit entries past the retention window, at most once a day.
func (s *Scheduler) prune(ctx context.Context) {
	if s.Audit == nil || s.Retention <= 0 {
		return
	}
	now := s.now()
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < pruneEvery {
		return
	}
	n, err := s.Audit.Prune(ctx, now.Add(-s.Retention))
	if err != nil {
		s.Log.Error(err, "failed to prune audit log")
		return
	}
	s.lastPrune = now
	s.Log.V(1).Info("pruned audit log", "removed", n)
}

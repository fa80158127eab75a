// Package stats keeps per-record counters fed by reconciliation cycles:
// how often a record was checked, changed, or failed, and when it was last
// checked and changed.
package stats

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/reconcile"
)

// ErrNotFound is returned by Get for a hostname without counters.
var ErrNotFound = errors.New("no stats for hostname")

// Stat holds the counters of one hostname.
type Stat struct {
	Hostname    string
	Checks      int64
	Updates     int64
	Failures    int64
	LastChecked time.Time
	LastUpdated time.Time
}

// Store is a stats backend.
type Store interface {
	reconcile.StatsSink
	Get(ctx context.Context, hostname string) (Stat, error)
	List(ctx context.Context) ([]Stat, error)
	Reset(ctx context.Context, hostname string) error
}

// delta is the increment of one hostname within a batch of events.
type delta struct {
	checks, updates, failures int64
}

// aggregate folds events into per-hostname deltas.
func aggregate(events []reconcile.StatEvent) map[string]*delta {
	out := make(map[string]*delta)
	for _, ev := range events {
		d, ok := out[ev.Hostname]
		if !ok {
			d = &delta{}
			out[ev.Hostname] = d
		}
		switch ev.Kind {
		case reconcile.StatCheck:
			d.checks++
		case reconcile.StatUpdate:
			d.updates++
		case reconcile.StatFailure:
			d.failures++
		}
	}
	return out
}

func sortStats(all []Stat) {
	sort.Slice(all, func(i, j int) bool { return all[i].Hostname < all[j].Hostname })
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

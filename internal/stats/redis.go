package stats

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/rueidis"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/reconcile"
)

const (
	fieldChecks      = "checks"
	fieldUpdates     = "updates"
	fieldFailures    = "failures"
	fieldLastChecked = "last_checked"
	fieldLastUpdated = "last_updated"
)

// Redis keeps counters in one hash per hostname plus a set of tracked
// hostnames.
type Redis struct {
	client rueidis.Client
	prefix string
	now    func() time.Time
}

// NewRedis returns a store on client. Keys are namespaced by prefix.
func NewRedis(client rueidis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

func (r *Redis) statKey(hostname string) string {
	return r.prefix + ":stats:" + hostname
}

func (r *Redis) indexKey() string {
	return r.prefix + ":stats:index"
}

// commands builds the pipeline applying deltas at time now.
func (r *Redis) commands(deltas map[string]*delta, now string) rueidis.Commands {
	b := r.client.B()
	cmds := make(rueidis.Commands, 0, len(deltas)*4)
	for host, d := range deltas {
		key := r.statKey(host)
		for field, n := range map[string]int64{fieldChecks: d.checks, fieldUpdates: d.updates, fieldFailures: d.failures} {
			if n > 0 {
				cmds = append(cmds, b.Hincrby().Key(key).Field(field).Increment(n).Build())
			}
		}
		if d.checks > 0 {
			cmds = append(cmds, b.Hset().Key(key).FieldValue().FieldValue(fieldLastChecked, now).Build())
		}
		if d.updates > 0 {
			cmds = append(cmds, b.Hset().Key(key).FieldValue().FieldValue(fieldLastUpdated, now).Build())
		}
		cmds = append(cmds, b.Sadd().Key(r.indexKey()).Member(host).Build())
	}
	return cmds
}

// Increment applies events in one pipelined round trip.
func (r *Redis) Increment(ctx context.Context, events []reconcile.StatEvent) error {
	deltas := aggregate(events)
	if len(deltas) == 0 {
		return nil
	}
	for _, resp := range r.client.DoMulti(ctx, r.commands(deltas, formatTime(r.now()))...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("stats: redis increment: %w", err)
		}
	}
	return nil
}

// decode turns a stats hash into a Stat.
func decode(hostname string, fields map[string]string) Stat {
	count := func(name string) int64 {
		n, _ := strconv.ParseInt(fields[name], 10, 64)
		return n
	}
	return Stat{
		Hostname:    hostname,
		Checks:      count(fieldChecks),
		Updates:     count(fieldUpdates),
		Failures:    count(fieldFailures),
		LastChecked: parseTime(fields[fieldLastChecked]),
		LastUpdated: parseTime(fields[fieldLastUpdated]),
	}
}

// Get returns the counters of hostname.
func (r *Redis) Get(ctx context.Context, hostname string) (Stat, error) {
	fields, err := r.client.Do(ctx, r.client.B().Hgetall().Key(r.statKey(hostname)).Build()).AsStrMap()
	if err != nil {
		return Stat{}, fmt.Errorf("stats: redis get %s: %w", hostname, err)
	}
	if len(fields) == 0 {
		return Stat{}, fmt.Errorf("stats: %s: %w", hostname, ErrNotFound)
	}
	return decode(hostname, fields), nil
}

// List returns the counters of every tracked hostname ordered by name.
func (r *Redis) List(ctx context.Context) ([]Stat, error) {
	hosts, err := r.client.Do(ctx, r.client.B().Smembers().Key(r.indexKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("stats: redis list: %w", err)
	}
	if len(hosts) == 0 {
		return nil, nil
	}

	cmds := make(rueidis.Commands, 0, len(hosts))
	for _, host := range hosts {
		cmds = append(cmds, r.client.B().Hgetall().Key(r.statKey(host)).Build())
	}
	out := make([]Stat, 0, len(hosts))
	for i, resp := range r.client.DoMulti(ctx, cmds...) {
		fields, err := resp.AsStrMap()
		if err != nil {
			return nil, fmt.Errorf("stats: redis get %s: %w", hosts[i], err)
		}
		if len(fields) > 0 {
			out = append(out, decode(hosts[i], fields))
		}
	}
	sortStats(out)
	return out, nil
}

// Reset drops the counters of hostname.
func (r *Redis) Reset(ctx context.Context, hostname string) error {
	b := r.client.B()
	for _, resp := range r.client.DoMulti(ctx,
		b.Del().Key(r.statKey(hostname)).Build(),
		b.Srem().Key(r.indexKey()).Member(hostname).Build(),
	) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("stats: redis reset %s: %w", hostname, err)
		}
	}
	return nil
}

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrCycleInProgress is returned by RunCycle while another cycle is running.
var ErrCycleInProgress = errors.New("reconcile: cycle already in progress")

const defaultWorkers = 4

// Engine runs reconciliation cycles. The zero value is not usable; IPs must
// be set. Sinks and observers are optional.
type Engine struct {
	Log       logr.Logger
	IPs       IPSource
	Audit     AuditSink
	Stats     StatsSink
	Observers []Observer

	Workers      int           // per-pass worker pool size, default 4
	CycleTimeout time.Duration // overall deadline of a cycle, 0 = none
	CallTimeout  time.Duration // deadline of each provider call, 0 = none

	Now func() time.Time // defaults to time.Now

	running atomic.Bool
}

// RunCycle converges every record of snap at the providers in targets and
// returns the cycle summary. It fails only when another cycle is running or
// when snap is malformed; every provider problem is reported as an outcome.
func (e *Engine) RunCycle(ctx context.Context, snap Snapshot, targets Targets) (Summary, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Summary{}, ErrCycleInProgress
	}
	defer e.running.Store(false)

	if err := snap.Validate(); err != nil {
		e.Log.Error(err, "refusing to run cycle")
		return Summary{}, err
	}

	now := e.Now
	if now == nil {
		now = time.Now
	}
	started := now()
	summary := newSummary(uuid.NewString(), started)
	log := e.Log.WithValues("cycle", summary.CycleID)

	cycleCtx := ctx
	if e.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, e.CycleTimeout)
		defer cancel()
	}

	resolver := Resolver{Defaults: snap.Defaults}
	if targets.Primary != nil && needsPublicIP(snap.Records) {
		ip, err := e.IPs.PublicIP(cycleCtx)
		if err != nil {
			summary.IPError = err.Error()
			log.Error(err, "public IP unavailable, dynamic records are skipped this cycle")
		} else {
			resolver.PublicIP = ip
			summary.PublicIP = ip
			log.V(1).Info("fetched public IP", "ip", ip)
		}
	}

	specs := passSpecs(targets)
	results := make([][]Outcome, len(specs))

	// Passes on the same provider run one after the other so that a name is
	// never written by two passes at once. Within such a group every name has
	// at most one owning record and pass.
	var g errgroup.Group
	for _, idxs := range groupByProvider(specs) {
		group := make([]passSpec, 0, len(idxs))
		for _, i := range idxs {
			group = append(group, specs[i])
		}
		claims := claimNames(group, snap.Records)
		g.Go(func() error {
			for _, i := range idxs {
				results[i] = e.runPass(cycleCtx, log, specs[i], resolver, claims, snap.Records, now)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, outcomes := range results {
		summary.add(outcomes...)
	}
	summary.Duration = now().Sub(started)

	e.report(ctx, log, specs, results, summary)
	log.Info("cycle finished", "duration", summary.Duration.String(), "result", summary.String())
	return summary, nil
}

// Running reports whether a cycle is in flight.
func (e *Engine) Running() bool { return e.running.Load() }

func (e *Engine) runPass(ctx context.Context, log logr.Logger, spec passSpec, resolver Resolver, claims map[string]claim, records []RecordConfig, now func() time.Time) []Outcome {
	if spec.target == nil {
		return unconfigured(spec, records, now())
	}
	workers := e.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	r := &passRunner{
		log:         log.WithValues("pass", spec.pass, "provider", spec.target.Name),
		spec:        spec,
		resolver:    resolver,
		claims:      claims,
		workers:     workers,
		callTimeout: e.CallTimeout,
		now:         now,
	}
	outcomes := r.run(ctx, records)
	if kind, detail := r.breaker.state(); kind != KindNone {
		log.Info("pass stopped early", "pass", spec.pass, "provider", spec.target.Name, "kind", kind, "cause", detail)
	}
	return outcomes
}

// unconfigured reports every record that wants a pass whose provider is
// missing. Records that do not want the pass produce no outcome.
func unconfigured(spec passSpec, records []RecordConfig, ts time.Time) []Outcome {
	var out []Outcome
	for _, rc := range records {
		if !spec.enabled(rc) {
			continue
		}
		out = append(out, Outcome{
			Hostname:  rc.FQDN,
			Name:      spec.name(rc),
			Pass:      spec.pass,
			Action:    ActionNoOp,
			Enabled:   true,
			Kind:      KindConfigIncomplete,
			Detail:    fmt.Sprintf("no %s provider configured", spec.pass),
			Timestamp: ts,
		})
	}
	return out
}

func groupByProvider(specs []passSpec) [][]int {
	var groups [][]int
	index := make(map[string]int)
	for i, s := range specs {
		key := ""
		if s.target != nil {
			key = s.target.Name
		}
		g, ok := index[key]
		if !ok {
			g = len(groups)
			index[key] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}

func needsPublicIP(records []RecordConfig) bool {
	for _, rc := range records {
		if rc.PrimaryEnabled && (rc.IPMode == IPModeDynamic || rc.StaticIP == "") {
			return true
		}
	}
	return false
}

// report hands the cycle to the sinks. Sink failures are logged and never
// change the summary.
func (e *Engine) report(ctx context.Context, log logr.Logger, specs []passSpec, results [][]Outcome, s Summary) {
	if e.Audit != nil {
		if err := e.Audit.Append(ctx, auditEntries(s, specs, results)); err != nil {
			log.Error(err, "writing audit entries")
		}
	}
	if e.Stats != nil {
		if events := statEvents(s.Outcomes); len(events) > 0 {
			if err := e.Stats.Increment(ctx, events); err != nil {
				log.Error(err, "writing stats")
			}
		}
	}
	for _, o := range e.Observers {
		o.ObserveCycle(s)
	}
}

func auditEntries(s Summary, specs []passSpec, results [][]Outcome) []AuditEntry {
	var entries []AuditEntry
	if s.IPError != "" {
		provider := ""
		if len(specs) > 0 && specs[0].target != nil {
			provider = specs[0].target.Name
		}
		entries = append(entries, AuditEntry{
			Timestamp: s.Started,
			CycleID:   s.CycleID,
			Provider:  provider,
			Pass:      PassPrimary,
			Action:    ActionIPFetch,
			Kind:      KindIPFetch,
			Detail:    s.IPError,
		})
	}
	finished := s.Started.Add(s.Duration)
	for i, outcomes := range results {
		if len(outcomes) == 0 {
			continue
		}
		for _, o := range outcomes {
			entries = append(entries, AuditEntry{
				Timestamp: o.Timestamp,
				CycleID:   s.CycleID,
				Hostname:  o.Hostname,
				Provider:  o.Provider,
				Pass:      o.Pass,
				Action:    string(o.Action),
				Success:   o.Success,
				Kind:      o.Kind,
				Detail:    o.Detail,
			})
		}
		provider := ""
		if specs[i].target != nil {
			provider = specs[i].target.Name
		}
		entries = append(entries, AuditEntry{
			Timestamp: finished,
			CycleID:   s.CycleID,
			Provider:  provider,
			Pass:      specs[i].pass,
			Action:    ActionSummary,
			Success:   true,
			Detail:    countLine(outcomes),
		})
	}
	return entries
}

// statEvents turns outcomes into counter events. A hostname is checked at most
// once per cycle, and only by a pass it wants.
func statEvents(outcomes []Outcome) []StatEvent {
	var events []StatEvent
	checked := make(map[string]bool)
	for _, o := range outcomes {
		if o.Checked && o.Enabled && !checked[o.Hostname] {
			checked[o.Hostname] = true
			events = append(events, StatEvent{Hostname: o.Hostname, Kind: StatCheck})
		}
		switch {
		case o.Success && o.Changed:
			events = append(events, StatEvent{Hostname: o.Hostname, Kind: StatUpdate})
		case !o.Success && !o.Skipped():
			events = append(events, StatEvent{Hostname: o.Hostname, Kind: StatFailure})
		}
	}
	return events
}

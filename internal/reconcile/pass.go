package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/dns"
)

// passSpec selects the records and names one pass works on.
type passSpec struct {
	pass    Pass
	target  *Target
	enabled func(RecordConfig) bool
	name    func(RecordConfig) string
}

func passSpecs(t Targets) []passSpec {
	return []passSpec{
		{
			pass:    PassPrimary,
			target:  t.Primary,
			enabled: func(rc RecordConfig) bool { return rc.PrimaryEnabled },
			name:    func(rc RecordConfig) string { return rc.FQDN },
		},
		{
			pass:    PassSecondary,
			target:  t.Internal,
			enabled: func(rc RecordConfig) bool { return rc.SecondaryEnabled },
			name:    func(rc RecordConfig) string { return rc.FQDN },
		},
		{
			pass:    PassCompanion,
			target:  t.Internal,
			enabled: func(rc RecordConfig) bool { return rc.CompanionEnabled },
			name:    func(rc RecordConfig) string { return dns.CompanionName(rc.FQDN) },
		},
	}
}

// breaker remembers the first provider-wide failure of a pass.
type breaker struct {
	mu     sync.Mutex
	kind   ErrorKind
	detail string
}

func (b *breaker) trip(kind ErrorKind, detail string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.kind == KindNone {
		b.kind, b.detail = kind, detail
	}
}

func (b *breaker) state() (ErrorKind, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kind, b.detail
}

// claim records which record and pass own a provider-side name.
type claim struct {
	hostname string
	pass     Pass
}

// claimNames assigns every name wanted by an enabled pass to the first record
// that wants it. specs must share one provider and be in execution order.
func claimNames(specs []passSpec, records []RecordConfig) map[string]claim {
	claims := make(map[string]claim)
	for _, spec := range specs {
		for _, rc := range records {
			if !spec.enabled(rc) {
				continue
			}
			name := spec.name(rc)
			if _, taken := claims[name]; !taken {
				claims[name] = claim{hostname: rc.FQDN, pass: spec.pass}
			}
		}
	}
	return claims
}

// passRunner reconciles every record of a snapshot against one provider.
type passRunner struct {
	log         logr.Logger
	spec        passSpec
	resolver    Resolver
	claims      map[string]claim
	workers     int
	callTimeout time.Duration
	now         func() time.Time
	breaker     breaker
}

// run returns one outcome per record, in record order. Records sharing a
// provider-side name are handled sequentially by the same worker.
func (r *passRunner) run(ctx context.Context, records []RecordConfig) []Outcome {
	outcomes := make([]Outcome, len(records))

	var order []string
	byName := make(map[string][]int)
	for i, rc := range records {
		name := r.spec.name(rc)
		if _, ok := byName[name]; !ok {
			order = append(order, name)
		}
		byName[name] = append(byName[name], i)
	}

	var g errgroup.Group
	g.SetLimit(r.workers)
	for _, name := range order {
		idxs := byName[name]
		g.Go(func() error {
			for _, i := range idxs {
				outcomes[i] = r.reconcile(ctx, records[i])
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// reconcile runs resolve, get, diff and apply for one record.
func (r *passRunner) reconcile(ctx context.Context, rc RecordConfig) Outcome {
	t := r.spec.target
	o := Outcome{
		Hostname:  rc.FQDN,
		Name:      r.spec.name(rc),
		Provider:  t.Name,
		Pass:      r.spec.pass,
		Action:    ActionNoOp,
		Enabled:   r.spec.enabled(rc),
		Timestamp: r.now(),
	}

	if kind, detail := r.breaker.state(); kind != KindNone {
		o.Kind = kind
		o.Detail = "not attempted: " + detail
		return o
	}
	if err := ctx.Err(); err != nil {
		o.Kind = KindTimeout
		o.Detail = "not attempted: " + err.Error()
		return o
	}

	enabled := o.Enabled
	owner, claimed := r.claims[o.Name]
	mine := owner == claim{hostname: rc.FQDN, pass: r.spec.pass}
	switch {
	case enabled && claimed && !mine:
		o.Kind = KindConfigIncomplete
		o.Detail = fmt.Sprintf("%s is managed by %s (%s pass)", o.Name, owner.hostname, owner.pass)
		return o
	case !enabled && claimed:
		// Another record wants this name; leave it alone.
		o.Success = true
		return o
	}

	o.IP = r.resolver.Resolve(r.spec.pass, rc)
	if enabled && o.IP == "" {
		o.Kind = KindConfigIncomplete
		o.Detail = r.resolver.unresolved(r.spec.pass)
		return o
	}

	zone, ok := t.zone(o.Name)
	if !ok {
		if enabled {
			o.Kind = KindConfigIncomplete
			o.Detail = fmt.Sprintf("no zone configured for %s", o.Name)
			return o
		}
		// Nothing could have been created without a zone.
		o.Success = true
		return o
	}

	var current *dns.Record
	err := r.call(ctx, func(ctx context.Context) (err error) {
		current, err = t.Provider.Get(ctx, zone, o.Name)
		return err
	})
	if err != nil {
		r.fail(&o, "get", err)
		return o
	}
	o.Checked = true

	action := Diff(enabled, o.IP, current)
	o.Action = action.Kind
	switch action.Kind {
	case ActionNoOp:
		r.log.V(1).Info("record in sync", "pass", o.Pass, "name", o.Name, "ip", o.IP)
	case ActionCreate:
		err = r.call(ctx, func(ctx context.Context) error {
			_, err := t.Provider.Create(ctx, zone, o.Name, action.IP)
			return err
		})
		o.Changed = err == nil
	case ActionUpdate:
		err = r.call(ctx, func(ctx context.Context) (err error) {
			o.Changed, err = t.Provider.Update(ctx, zone, o.Name, action.IP)
			return err
		})
		if err == nil && !o.Changed {
			o.Detail = "provider reported no change"
		}
	case ActionDelete:
		err = r.call(ctx, func(ctx context.Context) (err error) {
			o.Changed, err = t.Provider.Delete(ctx, zone, o.Name)
			return err
		})
	}
	if err != nil {
		r.fail(&o, string(action.Kind), err)
		return o
	}

	o.Success = true
	if o.Changed {
		from := ""
		if current != nil {
			from = current.Value
		}
		r.log.Info("record changed", "pass", o.Pass, "provider", o.Provider, "name", o.Name,
			"action", o.Action, "from", from, "to", action.IP)
	}
	return o
}

// call runs fn under the per-call deadline. A deadline that fired during fn
// is kept in the returned error even if the provider did not wrap it.
func (r *passRunner) call(ctx context.Context, fn func(context.Context) error) error {
	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}
	err := fn(ctx)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
			err = fmt.Errorf("%w: %w", cerr, err)
		}
	}
	return err
}

func (r *passRunner) fail(o *Outcome, op string, err error) {
	o.Kind = classify(err)
	o.Detail = fmt.Sprintf("%s %s: %v", op, o.Name, err)
	if o.Kind.providerWide() {
		r.breaker.trip(o.Kind, o.Detail)
	}
	r.log.Error(err, "record failed", "pass", o.Pass, "provider", o.Provider, "name", o.Name,
		"op", op, "kind", o.Kind)
}

// classify maps provider errors onto the error taxonomy. Unknown errors are
// treated as isolated rejections.
func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTimeout
	case errors.Is(err, dns.ErrProviderUnavailable):
		return KindProviderUnavailable
	default:
		return KindProviderRejected
	}
}

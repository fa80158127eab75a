package reconcile

import (
	"context"
	"fmt"
	"time"
)

// Pass names one sweep over all records for one logical target.
type Pass string

const (
	PassPrimary   Pass = "primary"
	PassSecondary Pass = "secondary"
	PassCompanion Pass = "companion"
)

// ActionKind is the convergence step chosen by Diff.
type ActionKind string

const (
	ActionNoOp   ActionKind = "noop"
	ActionCreate ActionKind = "create"
	ActionUpdate ActionKind = "update"
	ActionDelete ActionKind = "delete"
)

// ErrorKind classifies why an outcome did not succeed.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindIPFetch             ErrorKind = "IpFetchError"
	KindProviderUnavailable ErrorKind = "ProviderUnavailable"
	KindProviderRejected    ErrorKind = "ProviderRejected"
	KindConfigIncomplete    ErrorKind = "ConfigIncomplete"
	KindTimeout             ErrorKind = "Timeout"
)

// providerWide reports whether k stops the rest of a pass.
func (k ErrorKind) providerWide() bool {
	return k == KindProviderUnavailable || k == KindTimeout
}

// Outcome is the result of one record in one pass.
type Outcome struct {
	Hostname  string // record FQDN, the reconciliation key
	Name      string // name at the provider; differs from Hostname in the companion pass
	Provider  string
	Pass      Pass
	Action    ActionKind
	IP        string // desired IP, empty when unresolved
	Enabled   bool   // the record wants this pass
	Success   bool
	Kind      ErrorKind
	Checked   bool // the provider was read successfully
	Changed   bool // the provider reported an applied mutation
	Detail    string
	Timestamp time.Time
}

// Skipped reports whether the record could not be acted on because its
// configuration did not resolve.
func (o Outcome) Skipped() bool { return o.Kind == KindConfigIncomplete }

// Summary is the result of one cycle.
type Summary struct {
	CycleID  string
	Started  time.Time
	Duration time.Duration
	PublicIP string
	IPError  string // set when the public IP could not be fetched
	Outcomes []Outcome
	Actions  map[ActionKind]int
	Failures map[ErrorKind]int // includes ConfigIncomplete
}

func newSummary(id string, started time.Time) Summary {
	return Summary{
		CycleID:  id,
		Started:  started,
		Actions:  make(map[ActionKind]int),
		Failures: make(map[ErrorKind]int),
	}
}

func (s *Summary) add(outcomes ...Outcome) {
	for _, o := range outcomes {
		s.Outcomes = append(s.Outcomes, o)
		s.Actions[o.Action]++
		if o.Kind != KindNone {
			s.Failures[o.Kind]++
		}
	}
}

// Failed counts outcomes that failed for a reason other than incomplete
// configuration.
func (s Summary) Failed() int {
	n := 0
	for k, c := range s.Failures {
		if k != KindConfigIncomplete {
			n += c
		}
	}
	return n
}

// Skipped counts ConfigIncomplete outcomes.
func (s Summary) Skipped() int { return s.Failures[KindConfigIncomplete] }

// Changed counts outcomes that mutated a provider.
func (s Summary) Changed() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Changed {
			n++
		}
	}
	return n
}

// Settled reports whether every outcome for hostname succeeded. A retired
// record whose cycle settled holds nothing at any provider anymore.
func (s Summary) Settled(hostname string) bool {
	for _, o := range s.Outcomes {
		if o.Hostname == hostname && !o.Success {
			return false
		}
	}
	return true
}

// String renders the counters on one line. Failed mutations count as failed,
// not under their action.
func (s Summary) String() string {
	return countLine(s.Outcomes)
}

func countLine(outcomes []Outcome) string {
	done := make(map[ActionKind]int)
	skipped, failed := 0, 0
	for _, o := range outcomes {
		switch {
		case o.Success:
			done[o.Action]++
		case o.Skipped():
			skipped++
		default:
			failed++
		}
	}
	return fmt.Sprintf("created=%d updated=%d deleted=%d unchanged=%d skipped=%d failed=%d",
		done[ActionCreate], done[ActionUpdate], done[ActionDelete], done[ActionNoOp], skipped, failed)
}

// AuditEntry is one line of the audit stream.
type AuditEntry struct {
	Timestamp time.Time
	CycleID   string
	Hostname  string
	Provider  string
	Pass      Pass
	Action    string // an ActionKind, or "summary" for per-pass totals
	Success   bool
	Kind      ErrorKind
	Detail    string
}

const (
	// ActionSummary marks the per-pass totals entry in the audit stream.
	ActionSummary = "summary"
	// ActionIPFetch marks the entry of a failed public IP lookup.
	ActionIPFetch = "ip-fetch"
)

// StatKind is the counter a StatEvent increments.
type StatKind string

const (
	StatCheck   StatKind = "check"
	StatUpdate  StatKind = "update"
	StatFailure StatKind = "failure"
)

// StatEvent increments one counter of one record.
type StatEvent struct {
	Hostname string
	Kind     StatKind
}

// IPSource returns the host's current public IP.
type IPSource interface {
	PublicIP(ctx context.Context) (string, error)
}

// AuditSink receives the audit stream in order. It is never read back by the
// engine.
type AuditSink interface {
	Append(ctx context.Context, entries []AuditEntry) error
}

// StatsSink receives counter increments.
type StatsSink interface {
	Increment(ctx context.Context, events []StatEvent) error
}

// Observer is told about every finished cycle.
type Observer interface {
	ObserveCycle(s Summary)
}

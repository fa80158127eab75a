package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/dns"
)

// memProvider is an in-memory dns.Provider that records every call.
type memProvider struct {
	mu      sync.Mutex
	records map[string]dns.Record
	nextID  int

	failGet    map[string]error // name -> error returned by Get
	failCreate map[string]error
	block      chan struct{} // when set, Get waits for it or for ctx
	entered    chan struct{} // receives once per Get when set

	gets     int
	creates  []string
	updates  []string
	deletes  []string
	inFlight map[string]bool
	overlap  bool // two calls for the same name ran at once
}

func newMemProvider(records ...dns.Record) *memProvider {
	m := &memProvider{records: make(map[string]dns.Record), inFlight: make(map[string]bool)}
	for _, r := range records {
		m.nextID++
		r.ID = fmt.Sprintf("rec-%d", m.nextID)
		m.records[r.Hostname] = r
	}
	return m
}

func (m *memProvider) enter(name string) func() {
	m.mu.Lock()
	if m.inFlight[name] {
		m.overlap = true
	}
	m.inFlight[name] = true
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.inFlight, name)
		m.mu.Unlock()
	}
}

func (m *memProvider) List(_ context.Context, _ string) ([]dns.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]dns.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

func (m *memProvider) Get(ctx context.Context, _, fqdn string) (*dns.Record, error) {
	defer m.enter(fqdn)()
	m.mu.Lock()
	m.gets++
	block, entered := m.block, m.entered
	err := m.failGet[fqdn]
	m.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[fqdn]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memProvider) Create(_ context.Context, _, fqdn, ip string) (dns.Record, error) {
	defer m.enter(fqdn)()
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCreate[fqdn]; err != nil {
		return dns.Record{}, err
	}
	m.nextID++
	r := dns.Record{ID: fmt.Sprintf("rec-%d", m.nextID), Hostname: fqdn, Type: dns.RecordType(ip), Value: ip, TTL: 1}
	m.records[fqdn] = r
	m.creates = append(m.creates, fqdn)
	return r, nil
}

func (m *memProvider) Update(_ context.Context, _, fqdn, ip string) (bool, error) {
	defer m.enter(fqdn)()
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[fqdn]
	if !ok {
		return false, nil
	}
	r.Value = ip
	m.records[fqdn] = r
	m.updates = append(m.updates, fqdn)
	return true, nil
}

func (m *memProvider) Delete(_ context.Context, _, fqdn string) (bool, error) {
	defer m.enter(fqdn)()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[fqdn]; !ok {
		return false, nil
	}
	delete(m.records, fqdn)
	m.deletes = append(m.deletes, fqdn)
	return true, nil
}

func (m *memProvider) mutations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.creates) + len(m.updates) + len(m.deletes)
}

func (m *memProvider) value(fqdn string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[fqdn]
	return r.Value, ok
}

type staticIP struct {
	ip  string
	err error
}

func (s staticIP) PublicIP(context.Context) (string, error) { return s.ip, s.err }

type zoneFunc func(string) (string, bool)

func (f zoneFunc) Zone(fqdn string) (string, bool) { return f(fqdn) }

type memAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *memAudit) Append(_ context.Context, entries []AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entries...)
	return nil
}

type memStats struct {
	mu     sync.Mutex
	counts map[string]map[StatKind]int
}

func (s *memStats) Increment(_ context.Context, events []StatEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = make(map[string]map[StatKind]int)
	}
	for _, ev := range events {
		if s.counts[ev.Hostname] == nil {
			s.counts[ev.Hostname] = make(map[StatKind]int)
		}
		s.counts[ev.Hostname][ev.Kind]++
	}
	return nil
}

type countingObserver struct {
	mu     sync.Mutex
	cycles []Summary
}

func (c *countingObserver) ObserveCycle(s Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cycles = append(c.cycles, s)
}

// Package integration runs full reconciliation cycles against in-memory
// stand-ins of the Cloudflare and OPNsense APIs, backed by a real SQLite
// database.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	logrtesting "github.com/go-logr/logr/testing"
	"github.com/google/go-cmp/cmp"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/auditlog"
	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/config"
	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/database"
	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/dns"
	_ "github.com/yuriy-kovalchuk/yk-ddns-manager/internal/dns/providers"
	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/reconcile"
	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/records"
	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/scheduler"
	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/stats"
)

// cloudflareAPI serves zones/{zone}/dns_records for the tests.
type cloudflareAPI struct {
	mu      sync.Mutex
	records map[string]map[string]any // id -> record
	nextID  int
	writes  int
}

func (f *cloudflareAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer cf-token" {
		w.WriteHeader(http.StatusForbidden)
		writeJSON(w, map[string]any{"success": false, "errors": []map[string]any{{"code": 9109, "message": "Invalid access token"}}})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "zones" || parts[2] != "dns_records" {
		http.NotFound(w, r)
		return
	}
	zone := parts[1]
	id := ""
	if len(parts) == 4 {
		id = parts[3]
	}
	ok := func(result any, info map[string]int) {
		body := map[string]any{"success": true, "errors": []any{}, "messages": []any{}, "result": result}
		if info != nil {
			body["result_info"] = info
		}
		writeJSON(w, body)
	}

	switch {
	case r.Method == http.MethodGet && id == "":
		out := []map[string]any{}
		for _, rec := range f.records {
			if rec["zone_id"] == zone {
				out = append(out, rec)
			}
		}
		ok(out, map[string]int{"page": 1, "per_page": 100, "count": len(out), "total_count": len(out), "total_pages": 1})
	case r.Method == http.MethodPost && id == "":
		var rec map[string]any
		json.NewDecoder(r.Body).Decode(&rec)
		f.nextID++
		rec["id"] = fmt.Sprintf("cf%d", f.nextID)
		rec["zone_id"] = zone
		f.records[rec["id"].(string)] = rec
		f.writes++
		ok(rec, nil)
	case r.Method == http.MethodPatch && id != "":
		var patch map[string]any
		json.NewDecoder(r.Body).Decode(&patch)
		rec := f.records[id]
		rec["content"] = patch["content"]
		f.writes++
		ok(rec, nil)
	case r.Method == http.MethodDelete && id != "":
		delete(f.records, id)
		f.writes++
		ok(map[string]string{"id": id}, nil)
	default:
		http.NotFound(w, r)
	}
}

func (f *cloudflareAPI) contents() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for _, rec := range f.records {
		out[rec["name"].(string)] = rec["content"].(string)
	}
	return out
}

// opnsenseAPI serves the Unbound host override endpoints for the tests.
type opnsenseAPI struct {
	mu     sync.Mutex
	hosts  map[string]map[string]string // uuid -> host fields
	nextID int
	writes int
}

func (f *opnsenseAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, pass, ok := r.BasicAuth(); !ok || user != "opn-key" || pass != "opn-secret" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	const prefix = "/api/unbound/"
	path := strings.TrimPrefix(r.URL.Path, prefix)
	var payload struct {
		Host map[string]string `json:"host"`
	}
	switch {
	case path == "settings/searchHostOverride":
		rows := []map[string]string{}
		for id, h := range f.hosts {
			row := map[string]string{"uuid": id}
			for k, v := range h {
				row[k] = v
			}
			rows = append(rows, row)
		}
		writeJSON(w, map[string]any{"rows": rows, "total": len(rows)})
	case path == "settings/addHostOverride":
		json.NewDecoder(r.Body).Decode(&payload)
		f.nextID++
		id := fmt.Sprintf("uuid-%d", f.nextID)
		f.hosts[id] = payload.Host
		f.writes++
		writeJSON(w, map[string]string{"result": "saved", "uuid": id})
	case strings.HasPrefix(path, "settings/setHostOverride/"):
		json.NewDecoder(r.Body).Decode(&payload)
		f.hosts[strings.TrimPrefix(path, "settings/setHostOverride/")] = payload.Host
		f.writes++
		writeJSON(w, map[string]string{"result": "saved"})
	case strings.HasPrefix(path, "settings/delHostOverride/"):
		delete(f.hosts, strings.TrimPrefix(path, "settings/delHostOverride/"))
		f.writes++
		writeJSON(w, map[string]string{"result": "deleted"})
	case path == "service/reconfigure":
		writeJSON(w, map[string]string{"status": "ok"})
	default:
		http.NotFound(w, r)
	}
}

func (f *opnsenseAPI) contents() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for _, h := range f.hosts {
		out[h["hostname"]+"."+h["domain"]] = h["server"]
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// publicIP is an IP source whose answer the test can change.
type publicIP struct{ v atomic.Value }

func (p *publicIP) PublicIP(context.Context) (string, error) { return p.v.Load().(string), nil }

type env struct {
	cf      *cloudflareAPI
	opn     *opnsenseAPI
	ip      *publicIP
	records *records.Store
	audit   *auditlog.Log
	stats   stats.Store
	sched   *scheduler.Scheduler
}

func target(t *testing.T, pc *config.ProviderConfig) *reconcile.Target {
	t.Helper()
	p, err := dns.NewProvider(pc.Provider, logrtesting.NewTestLogger(t), pc.Settings)
	if err != nil {
		t.Fatalf("provider %s: %v", pc.Provider, err)
	}
	return &reconcile.Target{Name: pc.Provider, Provider: p, Zones: pc.ZoneResolver()}
}

func setup(t *testing.T) *env {
	t.Helper()
	e := &env{
		cf:  &cloudflareAPI{records: map[string]map[string]any{}},
		opn: &opnsenseAPI{hosts: map[string]map[string]string{}},
		ip:  &publicIP{},
	}
	e.ip.v.Store("203.0.113.7")
	cfSrv := httptest.NewServer(e.cf)
	t.Cleanup(cfSrv.Close)
	opnSrv := httptest.NewServer(e.opn)
	t.Cleanup(opnSrv.Close)

	dir := t.TempDir()
	t.Setenv("TEST_CF_TOKEN", "cf-token")
	cfgPath := filepath.Join(dir, "ddns.yaml")
	cfgYAML := fmt.Sprintf(`database: %s
default_internal_ip: 10.0.0.1
primary:
  provider: cloudflare
  zones:
    example.com: zone-1
  settings:
    api_token: ${TEST_CF_TOKEN}
    base_url: %s
    rate_limit: "1000"
internal:
  provider: opnsense
  settings:
    base_url: %s/api
    api_key: opn-key
    api_secret: opn-secret
`, filepath.Join(dir, "ddns.db"), cfSrv.URL, opnSrv.URL)
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if e.records, err = records.New(db); err != nil {
		t.Fatal(err)
	}
	if e.audit, err = auditlog.New(db); err != nil {
		t.Fatal(err)
	}
	if e.stats, err = stats.NewSQLite(db); err != nil {
		t.Fatal(err)
	}

	log := logrtesting.NewTestLogger(t)
	e.sched = &scheduler.Scheduler{
		Engine: &reconcile.Engine{
			Log:   log,
			IPs:   e.ip,
			Audit: e.audit,
			Stats: e.stats,
		},
		Records: e.records,
		Targets: reconcile.Targets{
			Primary:  target(t, cfg.Primary),
			Internal: target(t, cfg.Internal),
		},
		Defaults: cfg.Defaults(),
		Stats:    e.stats,
		Audit:    e.audit,
		Log:      log,
	}
	return e
}

func (e *env) cycle(t *testing.T) reconcile.Summary {
	t.Helper()
	summary, err := e.sched.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if summary.Failed() != 0 {
		t.Fatalf("cycle had failures: %s\n%+v", summary.String(), summary.Outcomes)
	}
	return summary
}

func TestFullCycle(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	for _, rc := range []reconcile.RecordConfig{
		{FQDN: "App.Example.com", PrimaryEnabled: true, SecondaryEnabled: true, SecondaryIP: "10.0.0.5", CompanionEnabled: true},
		{FQDN: "nas.example.com", SecondaryEnabled: true},
		{FQDN: "vpn.example.com", PrimaryEnabled: true, IPMode: reconcile.IPModeStatic, StaticIP: "198.51.100.4"},
	} {
		if _, err := e.records.Upsert(ctx, rc); err != nil {
			t.Fatalf("upsert %s: %v", rc.FQDN, err)
		}
	}

	first := e.cycle(t)
	if got := first.Actions[reconcile.ActionCreate]; got != 5 {
		t.Errorf("expected 5 creates, got %d (%s)", got, first.String())
	}
	if diff := cmp.Diff(map[string]string{
		"app.example.com": "203.0.113.7",
		"vpn.example.com": "198.51.100.4",
	}, e.cf.contents()); diff != "" {
		t.Errorf("cloudflare state mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]string{
		"app.example.com": "10.0.0.5",
		"app.local":       "10.0.0.5",
		"nas.example.com": "10.0.0.1",
	}, e.opn.contents()); diff != "" {
		t.Errorf("opnsense state mismatch (-want +got):\n%s", diff)
	}

	// A second cycle with nothing changed writes nothing.
	cfWrites, opnWrites := e.cf.writes, e.opn.writes
	second := e.cycle(t)
	if got := second.Actions[reconcile.ActionNoOp]; got != len(second.Outcomes) || got != 9 {
		t.Errorf("expected 9 no-ops, got %d of %d outcomes", got, len(second.Outcomes))
	}
	if e.cf.writes != cfWrites || e.opn.writes != opnWrites {
		t.Errorf("idempotent cycle wrote to providers: cloudflare %d->%d opnsense %d->%d",
			cfWrites, e.cf.writes, opnWrites, e.opn.writes)
	}

	// The public IP moves; only the dynamic record follows.
	e.ip.v.Store("203.0.113.9")
	third := e.cycle(t)
	if got := third.Actions[reconcile.ActionUpdate]; got != 1 {
		t.Errorf("expected 1 update, got %d", got)
	}
	if got := e.cf.contents()["app.example.com"]; got != "203.0.113.9" {
		t.Errorf("app.example.com = %q after IP change", got)
	}
	if got := e.cf.contents()["vpn.example.com"]; got != "198.51.100.4" {
		t.Errorf("static record changed to %q", got)
	}

	st, err := e.stats.Get(ctx, "app.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if st.Updates < 1 || st.Checks < 3 {
		t.Errorf("unexpected stats: %+v", st)
	}
	entries, err := e.audit.ListByHostname(ctx, "app.example.com", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Error("expected audit entries for app.example.com")
	}
}

func TestRetiredRecordIsCleanedUpAndPurged(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	if _, err := e.records.Upsert(ctx, reconcile.RecordConfig{
		FQDN: "app.example.com", PrimaryEnabled: true, SecondaryEnabled: true, CompanionEnabled: true,
	}); err != nil {
		t.Fatal(err)
	}
	e.cycle(t)
	if len(e.cf.contents()) != 1 || len(e.opn.contents()) != 2 {
		t.Fatalf("setup cycle did not create records: cf=%v opn=%v", e.cf.contents(), e.opn.contents())
	}

	if err := e.records.Retire(ctx, "app.example.com"); err != nil {
		t.Fatal(err)
	}
	summary := e.cycle(t)
	if got := summary.Actions[reconcile.ActionDelete]; got != 3 {
		t.Errorf("expected 3 deletes, got %d", got)
	}
	if len(e.cf.contents()) != 0 || len(e.opn.contents()) != 0 {
		t.Errorf("provider state left behind: cf=%v opn=%v", e.cf.contents(), e.opn.contents())
	}
	if _, err := e.records.Get(ctx, "app.example.com"); err == nil {
		t.Error("retired record should be purged after a clean cycle")
	}
	if _, err := e.stats.Get(ctx, "app.example.com"); !errors.Is(err, stats.ErrNotFound) {
		t.Errorf("stats of a purged record should be gone, got %v", err)
	}
}

func TestDisabledPassRemovesOwnedRecord(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	rc := reconcile.RecordConfig{FQDN: "app.example.com", PrimaryEnabled: true, CompanionEnabled: true, CompanionIP: "10.0.0.8"}
	if _, err := e.records.Upsert(ctx, rc); err != nil {
		t.Fatal(err)
	}
	e.cycle(t)

	rc.CompanionEnabled = false
	if _, err := e.records.Upsert(ctx, rc); err != nil {
		t.Fatal(err)
	}
	e.cycle(t)
	if len(e.opn.contents()) != 0 {
		t.Errorf("companion should be deleted, got %v", e.opn.contents())
	}
	if len(e.cf.contents()) != 1 {
		t.Errorf("primary record should stay, got %v", e.cf.contents())
	}
}

func TestDecommissionLeavesNameOwnedByAnotherRecord(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	for _, rc := range []reconcile.RecordConfig{
		{FQDN: "nas.lan", CompanionEnabled: true},
		{FQDN: "nas.local", SecondaryEnabled: true},
	} {
		if _, err := e.records.Upsert(ctx, rc); err != nil {
			t.Fatalf("upsert %s: %v", rc.FQDN, err)
		}
	}
	e.cycle(t)
	if diff := cmp.Diff(map[string]string{"nas.local": "10.0.0.1"}, e.opn.contents()); diff != "" {
		t.Fatalf("opnsense state mismatch (-want +got):\n%s", diff)
	}

	if err := e.records.Retire(ctx, "nas.local"); err != nil {
		t.Fatal(err)
	}
	summary, purged, err := e.sched.Decommission(ctx, "nas.local")
	if err != nil {
		t.Fatalf("Decommission: %v", err)
	}
	if !purged {
		t.Errorf("retired row should be purged: %s", summary.String())
	}
	if diff := cmp.Diff(map[string]string{"nas.local": "10.0.0.1"}, e.opn.contents()); diff != "" {
		t.Errorf("companion of nas.lan was removed (-want +got):\n%s", diff)
	}
}

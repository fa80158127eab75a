package ipsource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	mdns "github.com/miekg/dns"
)

type stubSource struct {
	ips   []string
	errs  []error
	calls atomic.Int32
}

func (s *stubSource) PublicIP(context.Context) (string, error) {
	i := int(s.calls.Add(1)) - 1
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i < len(s.ips) {
		return s.ips[i], nil
	}
	return s.ips[len(s.ips)-1], nil
}

func ipServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cache-Control") != "no-cache" {
			t.Errorf("expected Cache-Control no-cache, got %q", r.Header.Get("Cache-Control"))
		}
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWeb_SingleURL(t *testing.T) {
	srv := ipServer(t, "203.0.113.7\n", http.StatusOK)
	ip, err := NewWeb([]string{srv.URL}).PublicIP(context.Background())
	if err != nil {
		t.Fatalf("PublicIP: %v", err)
	}
	if ip != "203.0.113.7" {
		t.Errorf("expected 203.0.113.7, got %q", ip)
	}
}

func TestWeb_Consensus(t *testing.T) {
	a := ipServer(t, "203.0.113.7\n", http.StatusOK)
	b := ipServer(t, "203.0.113.7", http.StatusOK)
	broken := ipServer(t, "oops", http.StatusInternalServerError)

	ip, err := NewWeb([]string{a.URL, broken.URL, b.URL}).PublicIP(context.Background())
	if err != nil {
		t.Fatalf("PublicIP: %v", err)
	}
	if ip != "203.0.113.7" {
		t.Errorf("expected 203.0.113.7, got %q", ip)
	}
}

func TestWeb_TwoURLsAskedOnceEach(t *testing.T) {
	var mu sync.Mutex
	hits := make(map[string]int)
	handler := func(name string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			hits[name]++
			mu.Unlock()
			fmt.Fprint(w, "203.0.113.7\n")
		}
	}
	a := httptest.NewServer(handler("a"))
	defer a.Close()
	b := httptest.NewServer(handler("b"))
	defer b.Close()

	ip, err := NewWeb([]string{a.URL, b.URL}).PublicIP(context.Background())
	if err != nil {
		t.Fatalf("PublicIP: %v", err)
	}
	if ip != "203.0.113.7" {
		t.Errorf("expected 203.0.113.7, got %q", ip)
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(map[string]int{"a": 1, "b": 1}, hits); diff != "" {
		t.Errorf("requests per service (-want +got):\n%s", diff)
	}
}

func TestWeb_Failures(t *testing.T) {
	good := ipServer(t, "203.0.113.7\n", http.StatusOK)
	other := ipServer(t, "198.51.100.1\n", http.StatusOK)
	third := ipServer(t, "192.0.2.1\n", http.StatusOK)
	garbage := ipServer(t, "<html>hello</html>", http.StatusOK)
	broken := ipServer(t, "", http.StatusBadGateway)

	tests := []struct {
		name string
		urls []string
	}{
		{name: "no urls"},
		{name: "bad status", urls: []string{broken.URL}},
		{name: "not an address", urls: []string{garbage.URL}},
		{name: "disagreement", urls: []string{good.URL, other.URL, third.URL}},
		{name: "one answer only", urls: []string{good.URL, broken.URL, garbage.URL}},
		{name: "two urls one answer", urls: []string{good.URL, broken.URL}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWeb(tt.urls).PublicIP(context.Background())
			if !errors.Is(err, ErrFetch) {
				t.Fatalf("expected ErrFetch, got %v", err)
			}
		})
	}
}

func startDNSServer(t *testing.T, handler mdns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	started := make(chan struct{})
	srv := &mdns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestDNS(t *testing.T) {
	addr := startDNSServer(t, func(w mdns.ResponseWriter, req *mdns.Msg) {
		m := new(mdns.Msg)
		m.SetReply(req)
		if req.Question[0].Name != "myip.opendns.com." {
			m.Rcode = mdns.RcodeNameError
		} else {
			rr, _ := mdns.NewRR("myip.opendns.com. 0 IN A 198.51.100.9")
			m.Answer = append(m.Answer, rr)
		}
		w.WriteMsg(m)
	})

	ip, err := NewDNS(addr).PublicIP(context.Background())
	if err != nil {
		t.Fatalf("PublicIP: %v", err)
	}
	if ip != "198.51.100.9" {
		t.Errorf("expected 198.51.100.9, got %q", ip)
	}
}

func TestDNS_Refused(t *testing.T) {
	addr := startDNSServer(t, func(w mdns.ResponseWriter, req *mdns.Msg) {
		m := new(mdns.Msg)
		m.SetRcode(req, mdns.RcodeRefused)
		w.WriteMsg(m)
	})

	_, err := NewDNS(addr).PublicIP(context.Background())
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("expected ErrFetch, got %v", err)
	}
}

func TestChain(t *testing.T) {
	failing := &stubSource{errs: []error{errors.New("down")}, ips: []string{""}}
	working := &stubSource{ips: []string{"203.0.113.7"}}

	ip, err := Chain{failing, working}.PublicIP(context.Background())
	if err != nil {
		t.Fatalf("PublicIP: %v", err)
	}
	if ip != "203.0.113.7" {
		t.Errorf("expected 203.0.113.7, got %q", ip)
	}

	_, err = Chain{failing}.PublicIP(context.Background())
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("expected ErrFetch, got %v", err)
	}
	if _, err := (Chain{}).PublicIP(context.Background()); !errors.Is(err, ErrFetch) {
		t.Fatalf("expected ErrFetch for empty chain, got %v", err)
	}
}

func TestRetry(t *testing.T) {
	src := &stubSource{
		errs: []error{errors.New("flaky"), errors.New("flaky")},
		ips:  []string{"", "", "203.0.113.7"},
	}
	r := &Retry{Source: src, Attempts: 3, Initial: time.Millisecond, Log: logr.Discard()}

	ip, err := r.PublicIP(context.Background())
	if err != nil {
		t.Fatalf("PublicIP: %v", err)
	}
	if ip != "203.0.113.7" || src.calls.Load() != 3 {
		t.Errorf("got %q after %d calls", ip, src.calls.Load())
	}
}

func TestRetry_GivesUp(t *testing.T) {
	down := errors.New("down")
	src := &stubSource{errs: []error{down, down, down, down}, ips: []string{""}}
	r := &Retry{Source: src, Attempts: 2, Initial: time.Millisecond, Log: logr.Discard()}

	_, err := r.PublicIP(context.Background())
	if !errors.Is(err, ErrFetch) || !errors.Is(err, down) {
		t.Fatalf("expected ErrFetch wrapping the last error, got %v", err)
	}
	if src.calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", src.calls.Load())
	}
}

func TestRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &stubSource{errs: []error{context.Canceled}, ips: []string{""}}
	r := &Retry{Source: src, Attempts: 5, Initial: time.Millisecond, Log: logr.Discard()}

	if _, err := r.PublicIP(ctx); !errors.Is(err, ErrFetch) {
		t.Fatalf("expected ErrFetch, got %v", err)
	}
	if src.calls.Load() > 1 {
		t.Errorf("expected at most one attempt, got %d", src.calls.Load())
	}
}

func TestCached(t *testing.T) {
	src := &stubSource{ips: []string{"203.0.113.7", "203.0.113.8"}}
	cached := NewCached(src, time.Minute)

	for i := 0; i < 3; i++ {
		ip, err := cached.PublicIP(context.Background())
		if err != nil || ip != "203.0.113.7" {
			t.Fatalf("call %d: %q, %v", i, ip, err)
		}
	}
	if src.calls.Load() != 1 {
		t.Errorf("expected one lookup, got %d", src.calls.Load())
	}

	cached.(*Cached).Forget()
	if ip, _ := cached.PublicIP(context.Background()); ip != "203.0.113.8" {
		t.Errorf("expected fresh lookup after Forget, got %q", ip)
	}
}

func TestCached_ZeroTTL(t *testing.T) {
	src := &stubSource{ips: []string{"203.0.113.7"}}
	if NewCached(src, 0) != Source(src) {
		t.Error("zero TTL should return the source unchanged")
	}
}

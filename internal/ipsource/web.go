package ipsource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

const webTimeout = 15 * time.Second

// DefaultURLs are plain-text "what is my IP" services.
var DefaultURLs = []string{
	"https://api.ipify.org",
	"https://icanhazip.com",
	"https://ifconfig.me/ip",
}

// Web asks HTTP services for the address of the connection. Each URL must
// answer 200 with an IPv4 or IPv6 address on the first line of the body.
//
// With a single URL its answer is returned as is. With more, up to three
// requests are made and the first two successful answers must agree.
type Web struct {
	URLs   []string
	Client *http.Client
}

// NewWeb returns a Web source over a pooled client.
func NewWeb(urls []string) *Web {
	return &Web{URLs: urls, Client: cleanhttp.DefaultPooledClient()}
}

func (w *Web) PublicIP(ctx context.Context) (string, error) {
	if len(w.URLs) == 0 {
		return "", fetchErr("web", errors.New("no lookup URLs configured"))
	}
	if len(w.URLs) == 1 {
		addr, err := w.lookup(ctx, w.URLs[0])
		if err != nil {
			return "", fetchErr("web", err)
		}
		return addr.String(), nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		addr netip.Addr
		err  error
	}
	useCount := min(3, len(w.URLs))
	results := make(chan result, useCount)
	var wg sync.WaitGroup
	for _, u := range w.URLs[:useCount] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr, err := w.lookup(ctx, u)
			results <- result{addr: addr, err: err}
		}()
	}
	go func() { wg.Wait(); close(results) }()

	var (
		errs  []error
		first netip.Addr
		count int
	)
	for r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		count++
		if !first.IsValid() {
			first = r.addr
			continue
		}
		if first == r.addr {
			return first.String(), nil
		}
		return "", fetchErr("web", fmt.Errorf("lookup services disagree: %s vs %s", first, r.addr))
	}
	if count < 2 {
		return "", fetchErr("web", fmt.Errorf("not enough lookup services answered: %w", errors.Join(errs...)))
	}
	return "", fetchErr("web", errors.New("lookup services did not agree"))
}

func (w *Web) lookup(ctx context.Context, url string) (netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, webTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("build request for %s: %w", url, err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	client := w.Client
	if client == nil {
		client = cleanhttp.DefaultClient()
	}
	resp, err := client.Do(req)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("GET %s returned %s", url, resp.Status)
	}
	line, _ := bufio.NewReader(resp.Body).ReadString('\n')
	addr, err := netip.ParseAddr(strings.TrimSpace(line))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse address from %s: %w", url, err)
	}
	return addr.Unmap(), nil
}

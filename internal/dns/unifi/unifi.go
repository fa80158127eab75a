// Package unifi manages local DNS records as DNS policies of a UniFi Network
// application.
package unifi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-cleanhttp"
	"go.uber.org/ratelimit"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/dns"
)

const (
	apiPath    = "/proxy/network/integration/v1"
	defaultTTL = 14400
	listLimit  = 200
)

func init() {
	dns.Register("unifi", func(log logr.Logger, settings map[string]string) (dns.Provider, error) {
		return New(log, settings)
	})
}

// Provider implements dns.Provider for the UniFi DNS policy API. The zone
// argument is a site id; an empty zone selects the configured site_id.
type Provider struct {
	baseURL string
	apiKey  string
	site    string
	ttl     int
	client  *http.Client
	limiter ratelimit.Limiter
	log     logr.Logger
}

// New creates a UniFi DNS provider from the given settings map.
// Required settings: host (or base_url), api_key.
// Optional settings: site_id, ttl (default 14400), rate_limit (requests per
// second, default 10), skip_tls_verify (default true, controllers ship with
// self-signed certificates).
func New(log logr.Logger, settings map[string]string) (*Provider, error) {
	baseURL := settings["base_url"]
	if baseURL == "" {
		host := strings.TrimRight(settings["host"], "/")
		if host == "" {
			return nil, fmt.Errorf("unifi: missing required setting 'host'")
		}
		baseURL = "https://" + host + apiPath
	}
	apiKey := settings["api_key"]
	if apiKey == "" {
		return nil, fmt.Errorf("unifi: missing required setting 'api_key'")
	}

	ttl := defaultTTL
	if v := settings["ttl"]; v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("unifi: invalid ttl %q: %w", v, err)
		}
		ttl = parsed
	}

	rps := 10
	if v := settings["rate_limit"]; v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("unifi: invalid rate_limit %q", v)
		}
		rps = parsed
	}

	transport := cleanhttp.DefaultPooledTransport()
	if settings["skip_tls_verify"] != "false" {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		site:    settings["site_id"],
		ttl:     ttl,
		client:  &http.Client{Transport: transport},
		limiter: ratelimit.New(rps),
		log:     log,
	}, nil
}

// policy is a DNS policy as exchanged with the API.
type policy struct {
	ID          string `json:"id,omitempty"`
	Type        string `json:"type"`
	Enabled     bool   `json:"enabled"`
	Domain      string `json:"domain"`
	IPv4Address string `json:"ipv4Address,omitempty"`
	IPv6Address string `json:"ipv6Address,omitempty"`
	TTLSeconds  int    `json:"ttlSeconds,omitempty"`
}

func (pol policy) address() string {
	if pol.Type == "AAAA_RECORD" {
		return pol.IPv6Address
	}
	return pol.IPv4Address
}

func (pol policy) record() dns.Record {
	typ := "A"
	if pol.Type == "AAAA_RECORD" {
		typ = "AAAA"
	}
	return dns.Record{
		ID:       pol.ID,
		Hostname: pol.Domain,
		Type:     typ,
		Value:    pol.address(),
		TTL:      pol.TTLSeconds,
		Meta:     map[string]string{"enabled": strconv.FormatBool(pol.Enabled)},
	}
}

func newPolicy(fqdn, ip string, ttl int) policy {
	pol := policy{Enabled: true, Domain: fqdn, TTLSeconds: ttl}
	if dns.RecordType(ip) == "AAAA" {
		pol.Type = "AAAA_RECORD"
		pol.IPv6Address = ip
	} else {
		pol.Type = "A_RECORD"
		pol.IPv4Address = ip
	}
	return pol
}

type listResponse struct {
	Offset     int      `json:"offset"`
	Limit      int      `json:"limit"`
	Count      int      `json:"count"`
	TotalCount int      `json:"totalCount"`
	Data       []policy `json:"data"`
}

// doRequest builds and executes an HTTP request against the UniFi API and
// decodes the JSON response into out when out is non-nil.
func (p *Provider) doRequest(ctx context.Context, method, path string, body, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("unifi: marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bodyReader)
	if err != nil {
		return dns.Rejected("unifi: build request", err)
	}
	req.Header.Set("X-API-KEY", p.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	p.limiter.Take()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("unifi: %s %s: %w", method, path, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return dns.Unavailable(fmt.Sprintf("unifi: %s %s", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		op := fmt.Sprintf("unifi: %s %s", method, path)
		switch {
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden,
			resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
			return dns.Unavailable(op, statusErr)
		default:
			return dns.Rejected(op, statusErr)
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return dns.Unavailable("unifi: decode response", err)
	}
	return nil
}

func (p *Provider) sitePath(zone string) (string, error) {
	if zone == "" {
		zone = p.site
	}
	if zone == "" {
		return "", dns.Rejected("unifi", errors.New("site id required"))
	}
	return "/sites/" + url.PathEscape(zone) + "/dns-policies", nil
}

func (p *Provider) policies(ctx context.Context, zone string) ([]policy, error) {
	base, err := p.sitePath(zone)
	if err != nil {
		return nil, err
	}
	var all []policy
	for offset := 0; ; {
		var page listResponse
		path := fmt.Sprintf("%s?limit=%d&offset=%d", base, listLimit, offset)
		if err := p.doRequest(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Data...)
		offset += len(page.Data)
		if len(page.Data) == 0 || offset >= page.TotalCount {
			return all, nil
		}
	}
}

func (p *Provider) find(ctx context.Context, zone, fqdn string) (*policy, error) {
	p.log.V(1).Info("looking up record", "hostname", fqdn, "site", zone)
	all, err := p.policies(ctx, zone)
	if err != nil {
		return nil, err
	}
	for i := range all {
		pol := &all[i]
		if (pol.Type == "A_RECORD" || pol.Type == "AAAA_RECORD") && strings.EqualFold(pol.Domain, fqdn) {
			return pol, nil
		}
	}
	return nil, nil
}

// List returns every A and AAAA policy of the site.
func (p *Provider) List(ctx context.Context, zone string) ([]dns.Record, error) {
	all, err := p.policies(ctx, zone)
	if err != nil {
		return nil, err
	}
	out := make([]dns.Record, 0, len(all))
	for _, pol := range all {
		if pol.Type == "A_RECORD" || pol.Type == "AAAA_RECORD" {
			out = append(out, pol.record())
		}
	}
	return out, nil
}

// Get returns the address policy for fqdn, or nil when there is none.
func (p *Provider) Get(ctx context.Context, zone, fqdn string) (*dns.Record, error) {
	pol, err := p.find(ctx, zone, fqdn)
	if err != nil || pol == nil {
		return nil, err
	}
	rec := pol.record()
	return &rec, nil
}

// Create adds a DNS policy pointing fqdn at ip.
func (p *Provider) Create(ctx context.Context, zone, fqdn, ip string) (dns.Record, error) {
	base, err := p.sitePath(zone)
	if err != nil {
		return dns.Record{}, err
	}
	p.log.Info("creating record", "hostname", fqdn, "value", ip)
	var created policy
	if err := p.doRequest(ctx, http.MethodPost, base, newPolicy(fqdn, ip, p.ttl), &created); err != nil {
		return dns.Record{}, err
	}
	p.log.Info("record created", "id", created.ID)
	return created.record(), nil
}

// Update rewrites the policy of fqdn to point at ip, keeping its TTL.
func (p *Provider) Update(ctx context.Context, zone, fqdn, ip string) (bool, error) {
	current, err := p.find(ctx, zone, fqdn)
	if err != nil {
		return false, err
	}
	if current == nil || dns.SameIP(current.address(), ip) {
		return false, nil
	}
	base, err := p.sitePath(zone)
	if err != nil {
		return false, err
	}

	ttl := current.TTLSeconds
	if ttl == 0 {
		ttl = p.ttl
	}
	p.log.Info("updating record", "hostname", fqdn, "from", current.address(), "to", ip)
	if err := p.doRequest(ctx, http.MethodPut, base+"/"+url.PathEscape(current.ID), newPolicy(current.Domain, ip, ttl), nil); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the policy of fqdn if there is one.
func (p *Provider) Delete(ctx context.Context, zone, fqdn string) (bool, error) {
	current, err := p.find(ctx, zone, fqdn)
	if err != nil || current == nil {
		return false, err
	}
	base, err := p.sitePath(zone)
	if err != nil {
		return false, err
	}

	p.log.Info("deleting record", "hostname", fqdn, "id", current.ID)
	if err := p.doRequest(ctx, http.MethodDelete, base+"/"+url.PathEscape(current.ID), nil, nil); err != nil {
		return false, err
	}
	return true, nil
}

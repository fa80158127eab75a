// Package opnsense manages local DNS records as Unbound host overrides on an
// OPNsense firewall.
package opnsense

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/dns"
)

func init() {
	dns.Register("opnsense", func(log logr.Logger, settings map[string]string) (dns.Provider, error) {
		return New(log, settings)
	})
}

// Provider implements dns.Provider for OPNsense Unbound DNS. Host overrides
// live in a single namespace, so the zone argument is ignored.
type Provider struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	defaultTTL int
	client     *http.Client
	log        logr.Logger
}

// New creates an OPNsense DNS provider from the given settings map.
// Required settings: base_url, api_key, api_secret.
// Optional settings: default_ttl (default 300), skip_tls_verify (default false).
func New(log logr.Logger, settings map[string]string) (*Provider, error) {
	baseURL := settings["base_url"]
	if baseURL == "" {
		return nil, fmt.Errorf("opnsense: missing required setting 'base_url'")
	}
	apiKey := settings["api_key"]
	if apiKey == "" {
		return nil, fmt.Errorf("opnsense: missing required setting 'api_key'")
	}
	apiSecret := settings["api_secret"]
	if apiSecret == "" {
		return nil, fmt.Errorf("opnsense: missing required setting 'api_secret'")
	}

	defaultTTL := 300
	if v := settings["default_ttl"]; v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("opnsense: invalid default_ttl %q: %w", v, err)
		}
		defaultTTL = parsed
	}

	transport := cleanhttp.DefaultPooledTransport()
	if v := settings["skip_tls_verify"]; v == "true" {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		defaultTTL: defaultTTL,
		client:     &http.Client{Transport: transport},
		log:        log,
	}, nil
}

// doRequest builds and executes an HTTP request against the OPNsense API and
// decodes the JSON response into out. Transport failures, authentication
// errors and 5xx responses are reported as unavailable; other non-2xx
// responses as rejected.
func (p *Provider) doRequest(ctx context.Context, method, path string, body, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("opnsense: marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	url := p.baseURL + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return dns.Rejected("opnsense: build request", err)
	}

	req.SetBasicAuth(p.apiKey, p.apiSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	op := fmt.Sprintf("opnsense: %s %s", method, path)
	resp, err := p.client.Do(req)
	if err != nil {
		return dns.Unavailable(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode >= 500 {
			return dns.Unavailable(op, statusErr)
		}
		return dns.Rejected(op, statusErr)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return dns.Unavailable(op+": decode response", err)
	}
	return nil
}

// reconfigure tells OPNsense to apply DNS changes.
func (p *Provider) reconfigure(ctx context.Context) error {
	var result struct {
		Status string `json:"status"`
	}
	if err := p.doRequest(ctx, http.MethodPost, "unbound/service/reconfigure", struct{}{}, &result); err != nil {
		return err
	}
	p.log.V(1).Info("reconfigure completed", "status", result.Status)
	return nil
}

// searchResponse is the shape returned by searchHostOverride.
type searchResponse struct {
	Rows []hostRow `json:"rows"`
}

// hostRow represents a single host override row from the search response.
type hostRow struct {
	UUID     string `json:"uuid"`
	Enabled  string `json:"enabled"`
	Hostname string `json:"hostname"`
	Domain   string `json:"domain"`
	RR       string `json:"rr"`
	Server   string `json:"server"`
}

func (row hostRow) fqdn() string {
	if row.Domain == "" {
		return row.Hostname
	}
	if row.Hostname == "" {
		return row.Domain
	}
	return row.Hostname + "." + row.Domain
}

func (row hostRow) record() dns.Record {
	return dns.Record{
		ID:       row.UUID,
		Hostname: row.fqdn(),
		Type:     strings.ToUpper(row.RR),
		Value:    row.Server,
		Meta:     map[string]string{"enabled": row.Enabled},
	}
}

func (row hostRow) address() bool {
	return strings.EqualFold(row.RR, "A") || strings.EqualFold(row.RR, "AAAA")
}

func (p *Provider) overrides(ctx context.Context) ([]hostRow, error) {
	var sr searchResponse
	if err := p.doRequest(ctx, http.MethodGet, "unbound/settings/searchHostOverride", nil, &sr); err != nil {
		return nil, err
	}
	return sr.Rows, nil
}

// findOverride returns the A or AAAA override for fqdn, or nil if there is none.
func (p *Provider) findOverride(ctx context.Context, fqdn string) (*hostRow, error) {
	rows, err := p.overrides(ctx)
	if err != nil {
		return nil, err
	}

	host, domain := dns.SplitHostname(fqdn)
	for i := range rows {
		row := &rows[i]
		if row.address() &&
			strings.EqualFold(row.Hostname, host) &&
			strings.EqualFold(row.Domain, domain) {
			return row, nil
		}
	}
	return nil, nil
}

// buildHostBody creates the JSON body for add/set host override calls.
func buildHostBody(fqdn, ip string) map[string]interface{} {
	host, domain := dns.SplitHostname(fqdn)
	return map[string]interface{}{
		"host": map[string]string{
			"enabled":     "1",
			"hostname":    host,
			"domain":      domain,
			"rr":          dns.RecordType(ip),
			"server":      ip,
			"description": "managed by yk-ddns-manager",
			"mxprio":      "",
			"mx":          "",
		},
	}
}

type mutationResult struct {
	Result string `json:"result"`
	UUID   string `json:"uuid"`
}

func (m mutationResult) check(op, want string) error {
	if m.Result != want {
		return dns.Rejected("opnsense: "+op, fmt.Errorf("unexpected result %q", m.Result))
	}
	return nil
}

// List returns every A and AAAA host override.
func (p *Provider) List(ctx context.Context, _ string) ([]dns.Record, error) {
	rows, err := p.overrides(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]dns.Record, 0, len(rows))
	for _, row := range rows {
		if row.address() {
			out = append(out, row.record())
		}
	}
	return out, nil
}

// Get returns the host override for fqdn, or nil when there is none.
func (p *Provider) Get(ctx context.Context, _, fqdn string) (*dns.Record, error) {
	p.log.V(1).Info("looking up record", "hostname", fqdn)
	row, err := p.findOverride(ctx, fqdn)
	if err != nil || row == nil {
		return nil, err
	}
	rec := row.record()
	rec.TTL = p.defaultTTL
	return &rec, nil
}

// Create adds a new DNS host override and applies it.
func (p *Provider) Create(ctx context.Context, _, fqdn, ip string) (dns.Record, error) {
	p.log.Info("creating record", "hostname", fqdn, "value", ip)

	var result mutationResult
	if err := p.doRequest(ctx, http.MethodPost, "unbound/settings/addHostOverride", buildHostBody(fqdn, ip), &result); err != nil {
		return dns.Record{}, err
	}
	if err := result.check("addHostOverride", "saved"); err != nil {
		return dns.Record{}, err
	}

	p.log.Info("record created", "uuid", result.UUID)
	if err := p.reconfigure(ctx); err != nil {
		return dns.Record{}, err
	}
	return dns.Record{
		ID:       result.UUID,
		Hostname: fqdn,
		Type:     dns.RecordType(ip),
		Value:    ip,
		TTL:      p.defaultTTL,
	}, nil
}

// Update points the existing host override of fqdn at ip. It reports false
// when there is no override or it already holds ip.
func (p *Provider) Update(ctx context.Context, _, fqdn, ip string) (bool, error) {
	row, err := p.findOverride(ctx, fqdn)
	if err != nil {
		return false, err
	}
	if row == nil || dns.SameIP(row.Server, ip) {
		return false, nil
	}

	p.log.Info("updating record", "hostname", fqdn, "from", row.Server, "to", ip)
	var result mutationResult
	if err := p.doRequest(ctx, http.MethodPost, "unbound/settings/setHostOverride/"+row.UUID, buildHostBody(fqdn, ip), &result); err != nil {
		return false, err
	}
	if err := result.check("setHostOverride", "saved"); err != nil {
		return false, err
	}

	p.log.Info("record updated", "uuid", row.UUID)
	if err := p.reconfigure(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the host override of fqdn if there is one.
func (p *Provider) Delete(ctx context.Context, _, fqdn string) (bool, error) {
	row, err := p.findOverride(ctx, fqdn)
	if err != nil || row == nil {
		return false, err
	}

	p.log.Info("deleting record", "hostname", fqdn, "uuid", row.UUID)
	var result mutationResult
	if err := p.doRequest(ctx, http.MethodPost, "unbound/settings/delHostOverride/"+row.UUID, struct{}{}, &result); err != nil {
		return false, err
	}
	if err := result.check("delHostOverride", "deleted"); err != nil {
		return false, err
	}

	p.log.Info("record deleted", "uuid", row.UUID)
	if err := p.reconfigure(ctx); err != nil {
		return false, err
	}
	return true, nil
}

var _ dns.Provider = (*Provider)(nil)

// Package cloudflare manages A and AAAA records through the Cloudflare v4 API.
package cloudflare

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudflare/cloudflare-go"
	"github.com/go-logr/logr"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/dns"
)

func init() {
	dns.Register("cloudflare", func(log logr.Logger, settings map[string]string) (dns.Provider, error) {
		return New(log, settings)
	})
}

// Provider implements dns.Provider for Cloudflare. The zone argument of every
// call is a Cloudflare zone id.
type Provider struct {
	api     *cloudflare.API
	ttl     int
	proxied bool
	log     logr.Logger
}

// New creates a Cloudflare DNS provider from the given settings map.
// Required settings: api_token.
// Optional settings: base_url, ttl (default 1 = automatic), proxied (default
// false), rate_limit (requests per second, default: library default).
func New(log logr.Logger, settings map[string]string) (*Provider, error) {
	token := settings["api_token"]
	if token == "" {
		return nil, fmt.Errorf("cloudflare: missing required setting 'api_token'")
	}

	ttl := 1
	if v := settings["ttl"]; v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("cloudflare: invalid ttl %q: %w", v, err)
		}
		ttl = parsed
	}

	opts := []cloudflare.Option{
		cloudflare.HTTPClient(cleanhttp.DefaultPooledClient()),
		// Retries are the caller's decision.
		cloudflare.UsingRetryPolicy(0, 0, 0),
	}
	if v := settings["base_url"]; v != "" {
		opts = append(opts, cloudflare.BaseURL(strings.TrimRight(v, "/")))
	}
	if v := settings["rate_limit"]; v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil || rps <= 0 {
			return nil, fmt.Errorf("cloudflare: invalid rate_limit %q", v)
		}
		opts = append(opts, cloudflare.UsingRateLimit(rps))
	}

	api, err := cloudflare.NewWithAPIToken(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("cloudflare: %w", err)
	}

	return &Provider{
		api:     api,
		ttl:     ttl,
		proxied: settings["proxied"] == "true",
		log:     log,
	}, nil
}

// List returns every A and AAAA record of the zone.
func (p *Provider) List(ctx context.Context, zone string) ([]dns.Record, error) {
	if zone == "" {
		return nil, errMissingZone
	}
	records, _, err := p.api.ListDNSRecords(ctx, cloudflare.ZoneIdentifier(zone), cloudflare.ListDNSRecordsParams{})
	if err != nil {
		return nil, classify(ctx, "cloudflare: list "+zone, err)
	}
	out := make([]dns.Record, 0, len(records))
	for _, r := range records {
		if r.Type == "A" || r.Type == "AAAA" {
			out = append(out, toRecord(r))
		}
	}
	return out, nil
}

// Get returns the A or AAAA record named fqdn, or nil when there is none.
func (p *Provider) Get(ctx context.Context, zone, fqdn string) (*dns.Record, error) {
	r, err := p.find(ctx, zone, fqdn, "")
	if err != nil || r == nil {
		return nil, err
	}
	rec := toRecord(*r)
	return &rec, nil
}

// Create adds an address record pointing fqdn at ip.
func (p *Provider) Create(ctx context.Context, zone, fqdn, ip string) (dns.Record, error) {
	if zone == "" {
		return dns.Record{}, errMissingZone
	}
	p.log.Info("creating record", "hostname", fqdn, "value", ip)
	r, err := p.api.CreateDNSRecord(ctx, cloudflare.ZoneIdentifier(zone), cloudflare.CreateDNSRecordParams{
		Type:    dns.RecordType(ip),
		Name:    fqdn,
		Content: ip,
		TTL:     p.ttl,
		Proxied: cloudflare.BoolPtr(p.proxied),
		Comment: "managed by yk-ddns-manager",
	})
	if err != nil {
		return dns.Record{}, classify(ctx, "cloudflare: create "+fqdn, err)
	}
	p.log.Info("record created", "id", r.ID)
	return toRecord(r), nil
}

// Update points the existing record of fqdn at ip. TTL and proxy settings of
// the record are left as they are.
func (p *Provider) Update(ctx context.Context, zone, fqdn, ip string) (bool, error) {
	current, err := p.find(ctx, zone, fqdn, dns.RecordType(ip))
	if err != nil {
		return false, err
	}
	if current == nil || dns.SameIP(current.Content, ip) {
		return false, nil
	}

	p.log.Info("updating record", "hostname", fqdn, "from", current.Content, "to", ip)
	_, err = p.api.UpdateDNSRecord(ctx, cloudflare.ZoneIdentifier(zone), cloudflare.UpdateDNSRecordParams{
		ID:      current.ID,
		Type:    dns.RecordType(ip),
		Name:    fqdn,
		Content: ip,
	})
	if err != nil {
		return false, classify(ctx, "cloudflare: update "+fqdn, err)
	}
	return true, nil
}

// Delete removes the address record of fqdn if there is one.
func (p *Provider) Delete(ctx context.Context, zone, fqdn string) (bool, error) {
	current, err := p.find(ctx, zone, fqdn, "")
	if err != nil || current == nil {
		return false, err
	}

	p.log.Info("deleting record", "hostname", fqdn, "id", current.ID)
	if err := p.api.DeleteDNSRecord(ctx, cloudflare.ZoneIdentifier(zone), current.ID); err != nil {
		return false, classify(ctx, "cloudflare: delete "+fqdn, err)
	}
	return true, nil
}

// find returns the address record of fqdn. When the name has both an A and an
// AAAA record, the one of type typ wins; an empty typ takes the first.
func (p *Provider) find(ctx context.Context, zone, fqdn, typ string) (*cloudflare.DNSRecord, error) {
	if zone == "" {
		return nil, errMissingZone
	}
	p.log.V(1).Info("looking up record", "hostname", fqdn, "zone", zone)
	records, _, err := p.api.ListDNSRecords(ctx, cloudflare.ZoneIdentifier(zone), cloudflare.ListDNSRecordsParams{
		Name:       fqdn,
		ResultInfo: cloudflare.ResultInfo{Page: 1, PerPage: 100},
	})
	if err != nil {
		return nil, classify(ctx, "cloudflare: get "+fqdn, err)
	}
	var found *cloudflare.DNSRecord
	for i := range records {
		r := &records[i]
		if (r.Type != "A" && r.Type != "AAAA") || !strings.EqualFold(strings.TrimSuffix(r.Name, "."), fqdn) {
			continue
		}
		if r.Type == typ {
			return r, nil
		}
		if found == nil {
			found = r
		}
	}
	return found, nil
}

func toRecord(r cloudflare.DNSRecord) dns.Record {
	meta := map[string]string{"zone_id": r.ZoneID}
	if r.Proxied != nil {
		meta["proxied"] = strconv.FormatBool(*r.Proxied)
	}
	return dns.Record{
		ID:       r.ID,
		Hostname: r.Name,
		Type:     r.Type,
		Value:    r.Content,
		TTL:      r.TTL,
		Meta:     meta,
	}
}

var errMissingZone = dns.Rejected("cloudflare", errors.New("zone id required"))

// typedError is implemented by the error types cloudflare-go returns for API
// responses it could decode.
type typedError interface {
	error
	Type() cloudflare.ErrorType
}

// classify maps a cloudflare-go error onto the provider taxonomy. Auth, rate
// limit and server errors affect every record; request errors only this one.
func classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return dns.Unavailable(op, fmt.Errorf("%w: %w", ctxErr, err))
	}
	var te typedError
	if errors.As(err, &te) {
		switch te.Type() {
		case cloudflare.ErrorTypeRequest, cloudflare.ErrorTypeNotFound:
			return dns.Rejected(op, err)
		}
	}
	// Transport failures, 5xx and exhausted rate limits surface as untyped
	// errors when retries are disabled.
	return dns.Unavailable(op, err)
}

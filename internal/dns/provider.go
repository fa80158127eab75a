package dns

import "context"

// Record represents a DNS record as reported by a provider.
type Record struct {
	ID       string            // provider-side identifier
	Hostname string            // FQDN, e.g. "app.example.com"
	Type     string            // "A" or "AAAA"
	Value    string            // IP address
	TTL      int               // 0 = provider default
	Meta     map[string]string // provider-specific fields (e.g. "proxied")
}

// Provider is the interface that DNS providers must implement.
//
// The zone argument is provider specific: a Cloudflare zone id, a UniFi site id,
// or empty for providers that manage a single namespace. Get returns a nil
// record and a nil error when the name does not exist. Implementations must
// honour ctx deadlines and must not retry on their own.
type Provider interface {
	List(ctx context.Context, zone string) ([]Record, error)
	Get(ctx context.Context, zone, fqdn string) (*Record, error)
	Create(ctx context.Context, zone, fqdn, ip string) (Record, error)
	Update(ctx context.Context, zone, fqdn, ip string) (bool, error)
	Delete(ctx context.Context, zone, fqdn string) (bool, error)
}

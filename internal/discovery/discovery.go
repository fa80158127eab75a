// Package discovery lists hostnames published by Kubernetes Ingress and
// Gateway API HTTPRoute objects. It only reads from the cluster; candidates
// are shown to the operator and never reconciled on their own.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	gocache "github.com/patrickmn/go-cache"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	gatewayv1 "sigs.k8s.io/gateway-api/apis/v1"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/dns"
)

// IgnoreAnnotation set to "true" hides an object from discovery.
const IgnoreAnnotation = "ddns.yk/ignore"

const cacheKey = "candidates"

// NewScheme returns a scheme with the core and Gateway API types.
func NewScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(gatewayv1.Install(scheme))
	return scheme
}

// Candidate is a hostname found in the cluster.
type Candidate struct {
	Hostname string
	Sources  []string // e.g. "Ingress default/web"
}

// Discoverer lists candidate hostnames through a controller-runtime reader.
type Discoverer struct {
	reader    client.Reader
	namespace string
	log       logr.Logger
	cache     *gocache.Cache
}

// New returns a discoverer. An empty namespace searches every namespace; a
// zero cacheTTL disables caching.
func New(log logr.Logger, reader client.Reader, namespace string, cacheTTL time.Duration) *Discoverer {
	d := &Discoverer{reader: reader, namespace: namespace, log: log}
	if cacheTTL > 0 {
		d.cache = gocache.New(cacheTTL, 2*cacheTTL)
	}
	return d
}

// Candidates returns every hostname sorted by name. Wildcard and malformed
// hosts are left out.
func (d *Discoverer) Candidates(ctx context.Context) ([]Candidate, error) {
	if d.cache != nil {
		if v, ok := d.cache.Get(cacheKey); ok {
			return v.([]Candidate), nil
		}
	}

	found := make(map[string][]string)
	add := func(host, source string) {
		if host == "" || strings.HasPrefix(host, "*") {
			return
		}
		name, err := dns.NormalizeHostname(host)
		if err != nil {
			d.log.V(1).Info("skipping malformed hostname", "hostname", host, "source", source)
			return
		}
		found[name] = append(found[name], source)
	}

	if err := d.ingresses(ctx, add); err != nil {
		return nil, err
	}
	if err := d.httpRoutes(ctx, add); err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(found))
	for name, sources := range found {
		sort.Strings(sources)
		out = append(out, Candidate{Hostname: name, Sources: dedupe(sources)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })

	if d.cache != nil {
		d.cache.SetDefault(cacheKey, out)
	}
	return out, nil
}

func (d *Discoverer) listOptions() []client.ListOption {
	if d.namespace == "" {
		return nil
	}
	return []client.ListOption{client.InNamespace(d.namespace)}
}

func (d *Discoverer) ingresses(ctx context.Context, add func(host, source string)) error {
	var list networkingv1.IngressList
	if err := d.reader.List(ctx, &list, d.listOptions()...); err != nil {
		if missingKind(err) {
			d.log.Info("Ingress API not available, skipping")
			return nil
		}
		return fmt.Errorf("discovery: list ingresses: %w", err)
	}
	for _, ing := range list.Items {
		if ignored(ing.Annotations) {
			continue
		}
		source := "Ingress " + ing.Namespace + "/" + ing.Name
		for _, rule := range ing.Spec.Rules {
			add(rule.Host, source)
		}
		for _, tls := range ing.Spec.TLS {
			for _, h := range tls.Hosts {
				add(h, source)
			}
		}
	}
	return nil
}

func (d *Discoverer) httpRoutes(ctx context.Context, add func(host, source string)) error {
	var list gatewayv1.HTTPRouteList
	if err := d.reader.List(ctx, &list, d.listOptions()...); err != nil {
		if missingKind(err) {
			d.log.Info("HTTPRoute API not available, skipping")
			return nil
		}
		return fmt.Errorf("discovery: list httproutes: %w", err)
	}
	for _, route := range list.Items {
		if ignored(route.Annotations) {
			continue
		}
		source := "HTTPRoute " + route.Namespace + "/" + route.Name
		for _, h := range route.Spec.Hostnames {
			add(string(h), source)
		}
	}
	return nil
}

// missingKind reports whether the cluster (or the client scheme) does not
// know the listed type, e.g. Gateway API CRDs are not installed.
func missingKind(err error) bool {
	return meta.IsNoMatchError(err) || runtime.IsNotRegisteredError(err)
}

func ignored(annotations map[string]string) bool {
	return annotations[IgnoreAnnotation] == "true"
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

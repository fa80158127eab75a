// Package ipsource looks up the public IP address of the host running the
// reconciler. Sources can be chained, retried and memoized; every failure
// wraps ErrFetch.
package ipsource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	gocache "github.com/patrickmn/go-cache"
)

// ErrFetch is returned when no public IP could be determined.
var ErrFetch = errors.New("public ip lookup failed")

// Source returns the public IP as a canonical address string.
type Source interface {
	PublicIP(ctx context.Context) (string, error)
}

func fetchErr(name string, err error) error {
	if errors.Is(err, ErrFetch) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", name, ErrFetch, err)
}

// Chain tries each source in order and returns the first address found.
type Chain []Source

func (c Chain) PublicIP(ctx context.Context) (string, error) {
	if len(c) == 0 {
		return "", fetchErr("chain", errors.New("no sources configured"))
	}
	var errs []error
	for _, src := range c {
		ip, err := src.PublicIP(ctx)
		if err == nil {
			return ip, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return "", fetchErr("chain", errors.Join(errs...))
}

// Retry wraps a source with exponential backoff. Attempts bounds the number of
// lookups; a cancelled context stops retrying immediately.
type Retry struct {
	Source   Source
	Attempts int
	// Initial is the first backoff interval; zero uses the library default.
	Initial time.Duration
	Log     logr.Logger
}

func (r *Retry) PublicIP(ctx context.Context) (string, error) {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	exp := backoff.NewExponentialBackOff()
	if r.Initial > 0 {
		exp.InitialInterval = r.Initial
		exp.MaxInterval = 10 * r.Initial
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)

	ip, err := backoff.RetryNotifyWithData(func() (string, error) {
		ip, err := r.Source.PublicIP(ctx)
		if err != nil && ctx.Err() != nil {
			return "", backoff.Permanent(err)
		}
		return ip, err
	}, policy, func(err error, wait time.Duration) {
		r.Log.V(1).Info("public ip lookup failed, retrying", "error", err.Error(), "wait", wait)
	})
	if err != nil {
		return "", fetchErr("retry", err)
	}
	return ip, nil
}

const cacheKey = "public-ip"

// Cached memoizes the address of a source for a fixed time. Failures are not
// cached.
type Cached struct {
	source Source
	cache  *gocache.Cache
}

// NewCached wraps src with a memo of the given TTL. A zero TTL returns src
// unchanged.
func NewCached(src Source, ttl time.Duration) Source {
	if ttl <= 0 {
		return src
	}
	return &Cached{source: src, cache: gocache.New(ttl, 2*ttl)}
}

func (c *Cached) PublicIP(ctx context.Context) (string, error) {
	if v, ok := c.cache.Get(cacheKey); ok {
		return v.(string), nil
	}
	ip, err := c.source.PublicIP(ctx)
	if err != nil {
		return "", err
	}
	c.cache.SetDefault(cacheKey, ip)
	return ip, nil
}

// Forget drops the memoized address.
func (c *Cached) Forget() {
	c.cache.Delete(cacheKey)
}

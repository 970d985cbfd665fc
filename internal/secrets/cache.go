// Package secrets fetches parameters from SSM with a short-lived cache.
package secrets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL bounds how long a fetched parameter is reused.
const DefaultTTL = 5 * time.Minute

// SSMClient defines the interface for parameter store operations.
type SSMClient interface {
	GetParameter(ctx context.Context, input *ssm.GetParameterInput, opts ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type entry struct {
	value     string
	fetchedAt time.Time
}

// Cache is a TTL cache over SSM parameters. Concurrent refreshes of the same
// parameter are collapsed into one fetch.
type Cache struct {
	client SSMClient
	ttl    time.Duration
	now    func() time.Time

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]entry
}

// NewCache creates a Cache. A non-positive ttl falls back to DefaultTTL.
func NewCache(client SSMClient, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		client:  client,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// NewCacheAt creates a Cache with an injected clock for tests.
func NewCacheAt(client SSMClient, ttl time.Duration, now func() time.Time) *Cache {
	c := NewCache(client, ttl)
	c.now = now
	return c
}

// Get returns the decrypted parameter value, fetching it when the cached copy
// is missing or stale.
func (c *Cache) Get(ctx context.Context, name string) (string, error) {
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.fetchedAt) < c.ttl {
		return e.value, nil
	}
	return c.Refresh(ctx, name)
}

// Refresh fetches the parameter unconditionally and repopulates the cache.
func (c *Cache) Refresh(ctx context.Context, name string) (string, error) {
	value, err, _ := c.group.Do(name, func() (any, error) {
		output, err := c.client.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(name),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return "", fmt.Errorf("failed to fetch parameter %q: %w", name, err)
		}
		if output.Parameter == nil || output.Parameter.Value == nil {
			return "", fmt.Errorf("parameter %q has no value", name)
		}

		v := *output.Parameter.Value
		c.mu.Lock()
		c.entries[name] = entry{value: v, fetchedAt: c.now()}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

package bitrix

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	templateCacheSize = 256
	templateCacheTTL  = 10 * time.Minute
)

type templateEntry struct {
	template *Template // nil caches a not-found
	storedAt time.Time
}

type propertiesEntry struct {
	props    []DiagramProperty
	storedAt time.Time
}

// TemplateCache is a short-TTL cache in front of the template and
// diagram-properties endpoints. Templates change rarely within one
// process run but the task-creator asks for them per message.
type TemplateCache struct {
	client    *Client
	templates *lru.Cache[string, templateEntry]
	props     *lru.Cache[string, propertiesEntry]
	ttl       time.Duration
}

// NewTemplateCache creates the cache. ttl <= 0 uses the default.
func NewTemplateCache(client *Client, ttl time.Duration) (*TemplateCache, error) {
	if ttl <= 0 {
		ttl = templateCacheTTL
	}
	templates, err := lru.New[string, templateEntry](templateCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create template cache: %w", err)
	}
	props, err := lru.New[string, propertiesEntry](templateCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create properties cache: %w", err)
	}
	return &TemplateCache{
		client:    client,
		templates: templates,
		props:     props,
		ttl:       ttl,
	}, nil
}

// TemplateGet returns the template for a diagram element, reading through
// the cache. Not-found answers are cached too.
func (tc *TemplateCache) TemplateGet(ctx context.Context, processDefinitionKey, elementID string) (*Template, error) {
	key := processDefinitionKey + "\x00" + elementID
	if entry, ok := tc.templates.Get(key); ok && time.Since(entry.storedAt) <= tc.ttl {
		if entry.template == nil {
			return nil, fmt.Errorf("%w: template for %s/%s", ErrNotFound, processDefinitionKey, elementID)
		}
		return entry.template, nil
	}

	tpl, err := tc.client.TemplateGet(ctx, processDefinitionKey, elementID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			tc.templates.Add(key, templateEntry{template: nil, storedAt: time.Now()})
		}
		return nil, err
	}

	tc.templates.Add(key, templateEntry{template: tpl, storedAt: time.Now()})
	return tpl, nil
}

// CachedClient is a Client whose template and diagram-properties reads go
// through a TemplateCache. Every other method passes straight through.
type CachedClient struct {
	*Client
	cache *TemplateCache
}

// NewCachedClient wraps a client with a template cache.
func NewCachedClient(client *Client, ttl time.Duration) (*CachedClient, error) {
	cache, err := NewTemplateCache(client, ttl)
	if err != nil {
		return nil, err
	}
	return &CachedClient{Client: client, cache: cache}, nil
}

// TemplateGet reads through the template cache.
func (c *CachedClient) TemplateGet(ctx context.Context, processDefinitionKey, elementID string) (*Template, error) {
	return c.cache.TemplateGet(ctx, processDefinitionKey, elementID)
}

// DiagramProperties reads through the properties cache.
func (c *CachedClient) DiagramProperties(ctx context.Context, processDefinitionKey string) ([]DiagramProperty, error) {
	return c.cache.DiagramProperties(ctx, processDefinitionKey)
}

// DiagramProperties returns the variable descriptions of a diagram,
// reading through the cache.
func (tc *TemplateCache) DiagramProperties(ctx context.Context, processDefinitionKey string) ([]DiagramProperty, error) {
	if entry, ok := tc.props.Get(processDefinitionKey); ok && time.Since(entry.storedAt) <= tc.ttl {
		return entry.props, nil
	}

	props, err := tc.client.DiagramProperties(ctx, processDefinitionKey)
	if err != nil {
		return nil, err
	}

	tc.props.Add(processDefinitionKey, propertiesEntry{props: props, storedAt: time.Now()})
	return props, nil
}

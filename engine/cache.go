package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheMaxSize    = 150
	defaultCacheTTL        = 24 * time.Hour
	defaultNegativeTTL     = time.Hour
	defaultCacheMinEntries = 1
)

// XMLFetcher fetches the BPMN XML for a process definition. Satisfied by
// *Client; narrowed for tests.
type XMLFetcher interface {
	ProcessDefinitionXML(ctx context.Context, processDefinitionID string) (string, error)
}

// cacheEntry holds the parsed elements of one process definition along
// with the timestamp it was stored. A nil elements map is a cached parse
// failure, kept with a shorter TTL so a broken diagram does not turn into
// an XML fetch per task.
type cacheEntry struct {
	elements map[string]Metadata
	storedAt time.Time
}

// MetadataCache maps processDefinitionId to parsed diagram metadata.
// Bounded LRU with TTL; concurrent misses on the same definition coalesce
// into a single XML fetch.
type MetadataCache struct {
	fetcher     XMLFetcher
	logger      *slog.Logger
	cache       *lru.Cache[string, cacheEntry]
	group       singleflight.Group
	ttl         time.Duration
	negativeTTL time.Duration
}

// CacheConfig configures the metadata cache behaviour.
type CacheConfig struct {
	// MaxSize is the maximum number of process definitions kept.
	MaxSize int
	// TTL is how long a parsed diagram remains valid.
	TTL time.Duration
	// NegativeTTL is how long a parse failure is remembered.
	NegativeTTL time.Duration
}

// NewMetadataCache creates the cache. Zero config fields get defaults.
func NewMetadataCache(fetcher XMLFetcher, cfg CacheConfig, logger *slog.Logger) (*MetadataCache, error) {
	if cfg.MaxSize < defaultCacheMinEntries {
		cfg.MaxSize = defaultCacheMaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = defaultNegativeTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	cache, err := lru.New[string, cacheEntry](cfg.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("create metadata cache: %w", err)
	}

	return &MetadataCache{
		fetcher:     fetcher,
		logger:      logger,
		cache:       cache,
		ttl:         cfg.TTL,
		negativeTTL: cfg.NegativeTTL,
	}, nil
}

// Get returns the metadata for one element of a process definition.
// Unknown elements and cached parse failures return the zero Metadata and
// ok=false.
func (mc *MetadataCache) Get(ctx context.Context, processDefinitionID, activityID string) (Metadata, bool, error) {
	elements, err := mc.definition(ctx, processDefinitionID)
	if err != nil {
		return Metadata{}, false, err
	}
	if elements == nil {
		return Metadata{}, false, nil
	}
	meta, ok := elements[activityID]
	return meta, ok, nil
}

// definition returns the element map for a process definition, fetching
// and parsing the XML on miss. A nil map with nil error is a remembered
// parse failure.
func (mc *MetadataCache) definition(ctx context.Context, processDefinitionID string) (map[string]Metadata, error) {
	if entry, ok := mc.cache.Get(processDefinitionID); ok && !mc.expired(entry) {
		return entry.elements, nil
	}

	// Coalesce concurrent misses: only one XML fetch per definition.
	result, err, _ := mc.group.Do(processDefinitionID, func() (any, error) {
		if entry, ok := mc.cache.Get(processDefinitionID); ok && !mc.expired(entry) {
			return entry.elements, nil
		}

		xmlData, err := mc.fetcher.ProcessDefinitionXML(ctx, processDefinitionID)
		if err != nil {
			return nil, fmt.Errorf("fetch definition %s: %w", processDefinitionID, err)
		}

		elements, err := ParseDiagram(xmlData)
		if err != nil {
			mc.logger.Warn("BPMN parse failed, caching negative entry",
				"process_definition_id", processDefinitionID,
				"error", err)
			mc.cache.Add(processDefinitionID, cacheEntry{elements: nil, storedAt: time.Now()})
			return map[string]Metadata(nil), nil
		}

		mc.cache.Add(processDefinitionID, cacheEntry{elements: elements, storedAt: time.Now()})
		mc.logger.Debug("Cached diagram metadata",
			"process_definition_id", processDefinitionID,
			"elements", len(elements))
		return elements, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string]Metadata), nil
}

// Invalidate drops one definition from the cache.
func (mc *MetadataCache) Invalidate(processDefinitionID string) {
	mc.cache.Remove(processDefinitionID)
}

// Len reports the number of cached definitions.
func (mc *MetadataCache) Len() int {
	return mc.cache.Len()
}

func (mc *MetadataCache) expired(entry cacheEntry) bool {
	ttl := mc.ttl
	if entry.elements == nil {
		ttl = mc.negativeTTL
	}
	return time.Since(entry.storedAt) > ttl
}

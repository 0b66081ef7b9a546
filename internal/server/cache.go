package server

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dataflow-works/config-registry/pkg/entities"
	"github.com/dataflow-works/config-registry/pkg/events"
	"github.com/dataflow-works/config-registry/pkg/refgraph"
)

// responseCache memoizes successful GET responses keyed by request URI, with
// max-size eviction by insertion time and lazy TTL expiry. Domain events
// drive prefix invalidation so cached reads never outlive a mutation by more
// than broker delivery.
type responseCache struct {
	mu      sync.RWMutex
	items   map[string]*cacheEntry
	maxSize int
	ttl     time.Duration
}

type cacheEntry struct {
	value      []byte
	expiresAt  time.Time
	insertedAt time.Time
}

func newResponseCache(maxSize int, ttl time.Duration) *responseCache {
	if maxSize < 1 {
		maxSize = 1
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &responseCache{
		items:   make(map[string]*cacheEntry, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func (c *responseCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.items, key)
		return nil, false
	}
	return e.value, true
}

func (c *responseCache) set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if _, ok := c.items[key]; !ok && len(c.items) >= c.maxSize {
		c.evictOldest()
	}
	c.items[key] = &cacheEntry{
		value:      value,
		expiresAt:  now.Add(c.ttl),
		insertedAt: now,
	}
}

// invalidatePrefix removes every entry whose key starts with prefix.
func (c *responseCache) invalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
		}
	}
}

func (c *responseCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// evictOldest removes the entry with the oldest insertedAt timestamp.
// Must be called with c.mu held.
func (c *responseCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true

	for k, e := range c.items {
		if first || e.insertedAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.insertedAt
			first = false
		}
	}
	if !first {
		delete(c.items, oldestKey)
	}
}

// cacheResponseWriter captures the response body and status code so 200
// responses can be stored.
type cacheResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func (w *cacheResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *cacheResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.statusCode = http.StatusOK
		w.written = true
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// middleware serves GET requests from the cache. Hits answer with the cached
// body and X-Cache: HIT; misses pass through and store 200 responses.
func (c *responseCache) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}

		key := r.URL.RequestURI()
		if cached, ok := c.get(key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "HIT")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(cached)
			return
		}

		crw := &cacheResponseWriter{ResponseWriter: w}
		crw.Header().Set("X-Cache", "MISS")
		next.ServeHTTP(crw, r)

		if crw.statusCode == http.StatusOK {
			c.set(key, crw.body.Bytes())
		}
	})
}

// watchEvents invalidates cached reads touched by each committed mutation:
// the mutated type's pages plus the pages of every type it references, whose
// reference inventories count the mutated documents. Returns when the
// subscription closes.
func (c *responseCache) watchEvents(ctx context.Context, source EventSource, graph *refgraph.Graph) {
	ch := source.Subscribe(ctx)
	for event := range ch {
		for _, t := range affectedTypes(graph, event.EntityType) {
			c.invalidatePrefix(entityBasePath(t))
		}
	}
}

// affectedTypes lists the mutated type followed by the types it holds
// references to, in graph registration order.
func affectedTypes(graph *refgraph.Graph, mutated entities.Type) []entities.Type {
	affected := []entities.Type{mutated}
	if graph == nil {
		return affected
	}
	for _, referenced := range graph.Referenced() {
		for _, edge := range graph.EdgesFor(referenced) {
			if edge.Dependent == mutated {
				affected = append(affected, referenced)
				break
			}
		}
	}
	return affected
}

// EventSource is the subscription half of the event broker the cache
// invalidation watcher consumes.
type EventSource interface {
	Subscribe(ctx context.Context) <-chan events.Event
}

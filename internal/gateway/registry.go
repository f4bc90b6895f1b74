// ABOUTME: Process-wide registry of gateway links, keyed by gateway id.
// ABOUTME: Owns link lifecycle: create, replace, stop, and shutdown of all links.

package gateway

import (
	"log/slog"
	"sync"
	"time"
)

// Registry owns every configured Link. It is created at process start,
// injected wherever links are needed, and torn down at shutdown; there is no
// ambient singleton.
type Registry struct {
	mu     sync.RWMutex
	links  map[string]*Link
	logger *slog.Logger

	// Propagated to links created by Add; zero means library defaults.
	requestTimeout    time.Duration
	maxReconnectDelay time.Duration
}

// RegistryParams configures a new Registry.
type RegistryParams struct {
	Logger            *slog.Logger
	RequestTimeout    time.Duration
	MaxReconnectDelay time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry(params RegistryParams) *Registry {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		links:             make(map[string]*Link),
		logger:            logger,
		requestTimeout:    params.RequestTimeout,
		maxReconnectDelay: params.MaxReconnectDelay,
	}
}

// Add registers a gateway and starts its connect/listen/reconnect chain
// without blocking. An existing link with the same id is fully stopped and
// replaced first; no two concurrent links may share an id.
func (r *Registry) Add(id, url, token, password string) *Link {
	r.mu.Lock()
	if old, exists := r.links[id]; exists {
		delete(r.links, id)
		r.mu.Unlock()
		old.Stop()
		r.mu.Lock()
	}

	link := NewLink(LinkParams{
		ID:                id,
		URL:               url,
		Token:             token,
		Password:          password,
		Logger:            r.logger,
		RequestTimeout:    r.requestTimeout,
		MaxReconnectDelay: r.maxReconnectDelay,
	})
	r.links[id] = link
	r.mu.Unlock()

	link.Start()
	r.logger.Info("gateway registered", "gateway_id", id, "url", url)
	return link
}

// Remove stops a gateway's link and drops it from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	link, exists := r.links[id]
	if exists {
		delete(r.links, id)
	}
	r.mu.Unlock()

	if exists {
		link.Stop()
		r.logger.Info("gateway removed", "gateway_id", id)
	}
}

// Get looks up a link by gateway id. The second return distinguishes "no such
// gateway" from "exists but not connected"; callers needing liveness must
// also check link.Connected().
func (r *Registry) Get(id string) (*Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	link, ok := r.links[id]
	return link, ok
}

// List returns every registered link.
func (r *Registry) List() []*Link {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Link, 0, len(r.links))
	for _, link := range r.links {
		out = append(out, link)
	}
	return out
}

// StopAll stops and clears every link. Used at process shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	links := make([]*Link, 0, len(r.links))
	for _, link := range r.links {
		links = append(links, link)
	}
	r.links = make(map[string]*Link)
	r.mu.Unlock()

	for _, link := range links {
		link.Stop()
	}
}

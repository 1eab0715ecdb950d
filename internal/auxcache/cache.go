// Package auxcache holds auxiliary lookup collections (users, buckets) keyed by
// container id, with a domain-wide loading/error/last-fetched state.
package auxcache

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tablesync/internal/freshness"
	"github.com/MarcoPoloResearchLab/tablesync/internal/records"
)

// State tracks the lifecycle of the most recent remote load for a domain.
type State struct {
	Loading     bool
	Error       string
	LastFetched time.Time
}

// Config describes an auxiliary cache domain.
type Config struct {
	Name  string
	Clock func() time.Time
}

// Cache is a per-domain entity cache. It is safe for concurrent use.
type Cache struct {
	mu         sync.RWMutex
	name       string
	clock      func() time.Time
	containers map[string]map[string]records.Record
	state      State
}

// New constructs an empty cache.
func New(cfg Config) *Cache {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Cache{
		name:       cfg.Name,
		clock:      clock,
		containers: make(map[string]map[string]records.Record),
	}
}

// Name returns the domain name.
func (c *Cache) Name() string {
	return c.name
}

// SetLoading toggles the loading flag; starting a load clears the previous error.
func (c *Cache) SetLoading(loading bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Loading = loading
	if loading {
		c.state.Error = ""
	}
}

// SetEntries merges entities into the container's map and stamps LastFetched.
// Entities without an id are skipped.
func (c *Cache) SetEntries(containerID string, entities []records.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	container := c.containerLocked(containerID)
	for _, entity := range entities {
		id, ok := entity.ID()
		if !ok {
			continue
		}
		container[id] = entity
	}
	c.state.Loading = false
	c.state.LastFetched = c.clock()
	c.state.Error = ""
}

// SetError records a failed load.
func (c *Cache) SetError(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Loading = false
	c.state.Error = message
}

// Clear drops one container's entities and resets the domain state.
func (c *Cache) Clear(containerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.containers, containerID)
	c.state = State{}
}

// ClearAll drops every container and resets the domain state.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.containers = make(map[string]map[string]records.Record)
	c.state = State{}
}

// Add inserts or replaces an entity.
func (c *Cache) Add(containerID string, entity records.Record) bool {
	id, ok := entity.ID()
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.containerLocked(containerID)[id] = entity
	return true
}

// Update replaces an entity only when it is already cached.
func (c *Cache) Update(containerID string, entity records.Record) bool {
	id, ok := entity.ID()
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	container, exists := c.containers[containerID]
	if !exists {
		return false
	}
	if _, exists := container[id]; !exists {
		return false
	}
	container[id] = entity
	return true
}

// Remove deletes an entity and reports whether it was cached.
func (c *Cache) Remove(containerID, entityID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	container, exists := c.containers[containerID]
	if !exists {
		return false
	}
	if _, exists := container[entityID]; !exists {
		return false
	}
	delete(container, entityID)
	return true
}

// Entries returns a copy of the container's map; nil when the container is unknown.
func (c *Cache) Entries(containerID string) map[string]records.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	container, exists := c.containers[containerID]
	if !exists {
		return nil
	}
	snapshot := make(map[string]records.Record, len(container))
	for id, entity := range container {
		snapshot[id] = entity
	}
	return snapshot
}

// Entry returns one cached entity.
func (c *Cache) Entry(containerID, entityID string) (records.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entity, ok := c.containers[containerID][entityID]
	return entity, ok
}

// State returns the domain state.
func (c *Cache) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Fresh reports whether the container holds entities and the last load is within policy.
func (c *Cache) Fresh(containerID string, policy freshness.Policy) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.containers[containerID]) == 0 {
		return false
	}
	return policy.Fresh(c.state.LastFetched)
}

func (c *Cache) containerLocked(containerID string) map[string]records.Record {
	container, exists := c.containers[containerID]
	if !exists {
		container = make(map[string]records.Record)
		c.containers[containerID] = container
	}
	return container
}

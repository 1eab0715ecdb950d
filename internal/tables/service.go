// Package tables coordinates remote fetches and mutations with the local caches.
package tables

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/MarcoPoloResearchLab/tablesync/internal/auxcache"
	"github.com/MarcoPoloResearchLab/tablesync/internal/freshness"
	"github.com/MarcoPoloResearchLab/tablesync/internal/records"
	"github.com/MarcoPoloResearchLab/tablesync/internal/tablestore"
)

var noOpLogger = zap.NewNop()

// ServiceConfig wires the orchestration layer.
type ServiceConfig struct {
	Source          DataSource
	Metadata        MetadataResolver
	Store           *tablestore.Store
	Users           *auxcache.Cache
	Buckets         *auxcache.Cache
	Publisher       Publisher
	Clock           func() time.Time
	Logger          *zap.Logger
	AuxiliaryTTL    time.Duration
	DefaultPageSize int
}

// Service is the only component that talks to the DataSource and surfaces failures.
type Service struct {
	source          DataSource
	metadata        MetadataResolver
	store           *tablestore.Store
	users           *auxcache.Cache
	buckets         *auxcache.Cache
	publisher       Publisher
	clock           func() time.Time
	logger          *zap.Logger
	policy          freshness.Policy
	defaultPageSize int
	preloads        singleflight.Group

	mutationMu        sync.RWMutex
	lastMutationError string
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Source == nil {
		return nil, newServiceError(opServiceNew, "missing_source", errMissingSource)
	}
	if cfg.Metadata == nil {
		return nil, newServiceError(opServiceNew, "missing_metadata", errMissingMetadata)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Users == nil || cfg.Buckets == nil {
		return nil, newServiceError(opServiceNew, "missing_caches", errMissingCaches)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = noOpPublisher{}
	}
	pageSize := cfg.DefaultPageSize
	if pageSize <= 0 {
		pageSize = cfg.Store.DefaultPageSize()
	}

	return &Service{
		source:          cfg.Source,
		metadata:        cfg.Metadata,
		store:           cfg.Store,
		users:           cfg.Users,
		buckets:         cfg.Buckets,
		publisher:       publisher,
		clock:           clock,
		logger:          logger,
		policy:          freshness.NewPolicy(cfg.AuxiliaryTTL, clock),
		defaultPageSize: pageSize,
	}, nil
}

// PreloadUsers returns the container's users, fetching them only when the cache is stale
// or empty.
func (s *Service) PreloadUsers(ctx context.Context, containerID string) (map[string]records.Record, error) {
	return s.preload(ctx, opPreloadUsers, s.users, containerID, s.source.FetchUsers)
}

// PreloadBuckets returns the container's buckets, fetching them only when the cache is
// stale or empty.
func (s *Service) PreloadBuckets(ctx context.Context, containerID string) (map[string]records.Record, error) {
	return s.preload(ctx, opPreloadBuckets, s.buckets, containerID, s.source.FetchBuckets)
}

type fetchEntities func(ctx context.Context, containerID string) ([]records.Record, error)

func (s *Service) preload(ctx context.Context, operation string, cache *auxcache.Cache, containerID string, fetch fetchEntities) (map[string]records.Record, error) {
	if cache.Fresh(containerID, s.policy) {
		return cache.Entries(containerID), nil
	}
	key := cache.Name() + "/" + containerID
	// The shared fetch outlives any single caller; each caller only waits on its own ctx.
	flightCtx := context.WithoutCancel(ctx)
	flight := s.preloads.DoChan(key, func() (any, error) {
		if cache.Fresh(containerID, s.policy) {
			return nil, nil
		}
		cache.SetLoading(true)
		entities, err := fetch(flightCtx, containerID)
		if err != nil {
			cache.SetError(err.Error())
			s.logError(operation, "fetch_failed", err, zap.String("container_id", containerID))
			return nil, newServiceError(operation, "fetch_failed", err)
		}
		cache.SetEntries(containerID, entities)
		return nil, nil
	})
	select {
	case <-ctx.Done():
		return nil, newServiceError(operation, "canceled", ctx.Err())
	case result := <-flight:
		if result.Err != nil {
			return nil, result.Err
		}
	}
	return cache.Entries(containerID), nil
}

// LoadOptions controls a table page load.
type LoadOptions struct {
	Limit       int
	Page        int
	Append      bool
	SearchQuery string
	Filters     map[string]string
	Order       string
	ForceReload bool
}

// LoadResult reports what a load did.
type LoadResult struct {
	Window    tablestore.Window
	Skipped   bool
	FromCache bool
}

// LoadTableRecords fetches one page of a table into the store. A cached window is
// returned untouched unless the caller asks for something the cache cannot answer.
// On failure the returned window is empty and the error is also recorded in the
// table's fetch state.
func (s *Service) LoadTableRecords(ctx context.Context, tableID tablestore.TableID, opts LoadOptions) (LoadResult, error) {
	return s.loadTableRecords(ctx, opLoadRecords, tableID, opts, opts.ForceReload)
}

func (s *Service) loadTableRecords(ctx context.Context, operation string, tableID tablestore.TableID, opts LoadOptions, supersede bool) (LoadResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = s.defaultPageSize
	}
	page := max(opts.Page, 0)

	if s.servableFromCache(tableID, opts, page) {
		window, _ := s.store.Window(tableID)
		return LoadResult{Window: window, FromCache: true}, nil
	}

	token, started := s.store.BeginLoad(tableID, supersede)
	if !started {
		window, _ := s.store.Window(tableID)
		return LoadResult{Window: window, Skipped: true}, nil
	}

	metadata, err := s.metadata.ResolveTable(ctx, tableID)
	if err != nil {
		return s.failLoad(operation, "resolve_metadata_failed", tableID, token, err)
	}

	offset := page * limit
	query := buildFetchQuery(metadata, opts, limit, offset)
	result, err := s.source.FetchRecords(ctx, metadata.ContainerID, metadata.TableName, query)
	if err != nil {
		return s.failLoad(operation, "fetch_failed", tableID, token, err)
	}

	total := s.resolveTotal(ctx, metadata, query, result, limit)
	applied := s.store.ApplyPage(tableID, tablestore.PageResult{
		Records:     result.Records,
		Total:       total,
		Page:        page,
		PageSize:    limit,
		Append:      opts.Append,
		SearchQuery: opts.SearchQuery,
		HasNextPage: len(result.Records) == limit,
		NextOffset:  offset + limit,
		Token:       token,
	})
	window, _ := s.store.Window(tableID)
	if !applied {
		s.logger.Debug("discarded superseded table load",
			zap.String("operation", operation),
			zap.Int64("table_id", int64(tableID)))
		return LoadResult{Window: window, Skipped: true}, nil
	}
	return LoadResult{Window: window}, nil
}

func (s *Service) servableFromCache(tableID tablestore.TableID, opts LoadOptions, page int) bool {
	if opts.ForceReload || opts.Append || opts.SearchQuery != "" || len(opts.Filters) > 0 {
		return false
	}
	window, ok := s.store.Window(tableID)
	if !ok || len(window.Items) == 0 {
		return false
	}
	state, _ := s.store.FetchState(tableID)
	return state.CurrentPage == page
}

// resolveTotal prefers the source's count, then a count query, then an estimate from
// the page itself.
func (s *Service) resolveTotal(ctx context.Context, metadata TableMetadata, query FetchQuery, result FetchResult, limit int) int {
	if result.HasTotal {
		return result.Total
	}
	count, err := s.source.CountRecords(ctx, metadata.ContainerID, metadata.TableName, query.Filters)
	if err == nil {
		return count
	}
	s.logger.Warn("count fallback",
		zap.String("table_name", metadata.TableName),
		zap.Error(err))
	if len(result.Records) < limit {
		return len(result.Records)
	}
	return max(len(result.Records)*20, 1000)
}

func (s *Service) failLoad(operation, reason string, tableID tablestore.TableID, token tablestore.LoadToken, err error) (LoadResult, error) {
	s.store.FailLoad(tableID, token, err.Error())
	s.logError(operation, reason, err, zap.Int64("table_id", int64(tableID)))
	return LoadResult{Window: tablestore.Window{Items: []records.Record{}}}, newServiceError(operation, reason, err)
}

// Window returns the cached window for a table.
func (s *Service) Window(tableID tablestore.TableID) (tablestore.Window, bool) {
	return s.store.Window(tableID)
}

// FetchState returns the cached fetch state for a table.
func (s *Service) FetchState(tableID tablestore.TableID) (tablestore.FetchState, bool) {
	return s.store.FetchState(tableID)
}

// Record returns a materialized record without contacting the source.
func (s *Service) Record(tableID tablestore.TableID, recordID string) (records.Record, tablestore.Lookup) {
	return s.store.Record(tableID, recordID)
}

// ClearWindow drops the cached rows of a table.
func (s *Service) ClearWindow(tableID tablestore.TableID) {
	s.store.ClearWindow(tableID)
}

// ClearRealtimeFlags acknowledges pending real-time changes for a table.
func (s *Service) ClearRealtimeFlags(tableID tablestore.TableID) {
	s.store.ClearRealtimeFlags(tableID)
}

func (s *Service) Users(containerID string) map[string]records.Record {
	return s.users.Entries(containerID)
}

func (s *Service) User(containerID, userID string) (records.Record, bool) {
	return s.users.Entry(containerID, userID)
}

func (s *Service) Buckets(containerID string) map[string]records.Record {
	return s.buckets.Entries(containerID)
}

func (s *Service) Bucket(containerID, bucketID string) (records.Record, bool) {
	return s.buckets.Entry(containerID, bucketID)
}

func (s *Service) UserCacheState() auxcache.State {
	return s.users.State()
}

func (s *Service) BucketCacheState() auxcache.State {
	return s.buckets.State()
}

// LastMutationError returns the message of the most recent failed mutation.
func (s *Service) LastMutationError() string {
	s.mutationMu.RLock()
	defer s.mutationMu.RUnlock()
	return s.lastMutationError
}

func (s *Service) recordMutation(err error) {
	s.mutationMu.Lock()
	defer s.mutationMu.Unlock()
	if err == nil {
		s.lastMutationError = ""
		return
	}
	s.lastMutationError = err.Error()
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
		if errors.Is(err, context.Canceled) {
			attrs = append(attrs, zap.Bool("canceled", true))
		}
	}
	attrs = append(attrs, fields...)
	s.logger.Error("tables service error", attrs...)
}

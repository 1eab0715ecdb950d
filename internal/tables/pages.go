package tables

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tablesync/internal/realtime"
	"github.com/MarcoPoloResearchLab/tablesync/internal/records"
	"github.com/MarcoPoloResearchLab/tablesync/internal/tablestore"
)

// GetRecord fetches one record from the source without touching the cache.
func (s *Service) GetRecord(ctx context.Context, tableID tablestore.TableID, recordID string) (records.Record, error) {
	if strings.TrimSpace(recordID) == "" {
		return nil, newServiceError(opGetRecord, "missing_record_id", errMissingRecordID)
	}
	metadata, err := s.metadata.ResolveTable(ctx, tableID)
	if err != nil {
		s.logError(opGetRecord, "resolve_metadata_failed", err, zap.Int64("table_id", int64(tableID)))
		return nil, newServiceError(opGetRecord, "resolve_metadata_failed", err)
	}
	record, err := s.source.FetchRecord(ctx, metadata.ContainerID, metadata.TableName, recordID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newServiceError(opGetRecord, "not_found", err)
		}
		s.logError(opGetRecord, "fetch_failed", err,
			zap.Int64("table_id", int64(tableID)),
			zap.String("record_id", recordID))
		return nil, newServiceError(opGetRecord, "fetch_failed", err)
	}
	return record, nil
}

// CountRecords asks the source how many rows match filters.
func (s *Service) CountRecords(ctx context.Context, tableID tablestore.TableID, filters map[string]string) (int, error) {
	metadata, err := s.metadata.ResolveTable(ctx, tableID)
	if err != nil {
		s.logError(opCountRecords, "resolve_metadata_failed", err, zap.Int64("table_id", int64(tableID)))
		return 0, newServiceError(opCountRecords, "resolve_metadata_failed", err)
	}
	count, err := s.source.CountRecords(ctx, metadata.ContainerID, metadata.TableName, filters)
	if err != nil {
		s.logError(opCountRecords, "count_failed", err, zap.Int64("table_id", int64(tableID)))
		return 0, newServiceError(opCountRecords, "count_failed", err)
	}
	return count, nil
}

// LoadPage moves an already loaded table to another page, keeping its page size and
// search query.
func (s *Service) LoadPage(ctx context.Context, tableID tablestore.TableID, page int) (LoadResult, error) {
	state, ok := s.store.FetchState(tableID)
	if !ok {
		return LoadResult{Window: tablestore.Window{Items: []records.Record{}}}, newServiceError(opLoadPage, "not_loaded", errNoFetchState)
	}
	if state.Loading {
		window, _ := s.store.Window(tableID)
		return LoadResult{Window: window, Skipped: true}, nil
	}
	return s.loadTableRecords(ctx, opLoadPage, tableID, LoadOptions{
		Page:        page,
		Limit:       state.PageSize,
		SearchQuery: state.SearchQuery,
		ForceReload: true,
	}, false)
}

// ReloadPage refetches a page and acknowledges pending real-time changes.
func (s *Service) ReloadPage(ctx context.Context, tableID tablestore.TableID, page int) (LoadResult, error) {
	opts := LoadOptions{Page: page, ForceReload: true}
	if state, ok := s.store.FetchState(tableID); ok {
		opts.Limit = state.PageSize
	}
	result, err := s.loadTableRecords(ctx, opReloadPage, tableID, opts, true)
	if err != nil {
		return result, err
	}
	s.store.ClearRealtimeFlags(tableID)
	s.publish(tableID, realtime.KindReload, tablestore.MergeSummary{RecordIDs: []string{}})
	return result, nil
}

// SearchRecords folds matches for query into the cached window. Matches already present
// keep their position; new ones are appended. An empty query reloads the current page.
func (s *Service) SearchRecords(ctx context.Context, tableID tablestore.TableID, query string) (LoadResult, error) {
	state, _ := s.store.FetchState(tableID)
	query = strings.TrimSpace(query)
	if query == "" {
		return s.loadTableRecords(ctx, opSearchRecords, tableID, LoadOptions{
			Page:        state.CurrentPage,
			Limit:       state.PageSize,
			ForceReload: true,
		}, true)
	}

	metadata, err := s.metadata.ResolveTable(ctx, tableID)
	if err != nil {
		s.logError(opSearchRecords, "resolve_metadata_failed", err, zap.Int64("table_id", int64(tableID)))
		return LoadResult{Window: tablestore.Window{Items: []records.Record{}}}, newServiceError(opSearchRecords, "resolve_metadata_failed", err)
	}
	textFields := metadata.TextFields()
	if len(textFields) == 0 {
		window, _ := s.store.Window(tableID)
		return LoadResult{Window: window, Skipped: true}, nil
	}

	token, _ := s.store.BeginLoad(tableID, true)
	fetchQuery := FetchQuery{
		Limit:       searchResultsCap,
		SearchQuery: query,
		TextFields:  textFields,
	}
	if metadata.HasCreatedAt() {
		fetchQuery.Order = defaultOrder
	}
	result, err := s.source.FetchRecords(ctx, metadata.ContainerID, metadata.TableName, fetchQuery)
	if err != nil {
		return s.failLoad(opSearchRecords, "fetch_failed", tableID, token, err)
	}

	current, _ := s.store.Window(tableID)
	merged := make([]records.Record, 0, len(current.Items)+len(result.Records))
	merged = append(merged, current.Items...)
	merged = append(merged, result.Records...)

	applied := s.store.ApplySearch(tableID, token, merged, query)
	window, _ := s.store.Window(tableID)
	return LoadResult{Window: window, Skipped: !applied}, nil
}

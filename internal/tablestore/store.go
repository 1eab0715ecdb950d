// Package tablestore holds per-table record windows and fetch state, and folds
// real-time batches into them.
//
// Every operation treats a missing table or record as a silent no-op; failures
// belong to the orchestration layer.
package tablestore

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/tablesync/internal/records"
)

// Config configures a Store.
type Config struct {
	Clock           func() time.Time
	DefaultPageSize int
}

// Store owns every table window and fetch state. It is safe for concurrent use.
type Store struct {
	mu              sync.RWMutex
	clock           func() time.Time
	defaultPageSize int
	windows         map[TableID]*Window
	states          map[TableID]*FetchState
	inflight        map[TableID]LoadToken
	sequence        atomic.Uint64
}

// New constructs an empty store.
func New(cfg Config) *Store {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	pageSize := cfg.DefaultPageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Store{
		clock:           clock,
		defaultPageSize: pageSize,
		windows:         make(map[TableID]*Window),
		states:          make(map[TableID]*FetchState),
		inflight:        make(map[TableID]LoadToken),
	}
}

// DefaultPageSize returns the page size used for tables without one.
func (s *Store) DefaultPageSize() int {
	return s.defaultPageSize
}

// Window returns a copy of the table's window.
func (s *Store) Window(tableID TableID) (Window, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	window, ok := s.windows[tableID]
	if !ok {
		return Window{Items: []records.Record{}}, false
	}
	return window.clone(), true
}

// FetchState returns a copy of the table's fetch state.
func (s *Store) FetchState(tableID TableID) (FetchState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[tableID]
	if !ok {
		return FetchState{PageSize: s.defaultPageSize}, false
	}
	return *state, true
}

// Record looks up one materialized record by id.
func (s *Store) Record(tableID TableID, recordID string) (records.Record, Lookup) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	window, ok := s.windows[tableID]
	if !ok {
		return nil, NotFound
	}
	index := records.IndexOf(window.Items, recordID)
	if index < 0 {
		return nil, NotFound
	}
	return window.Items[index].Clone(), Found
}

// BeginLoad marks the table as loading and issues a token. When another load is in
// flight it refuses unless supersede is set, in which case the older load's token is
// invalidated and its result will be discarded.
func (s *Store) BeginLoad(tableID TableID, supersede bool) (LoadToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.stateLocked(tableID)
	if state.Loading && !supersede {
		return 0, false
	}
	token := LoadToken(s.sequence.Add(1))
	state.Loading = true
	s.inflight[tableID] = token
	return token, true
}

// FailLoad records a failed load when token is still current.
func (s *Store) FailLoad(tableID TableID, token LoadToken, message string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.claimTokenLocked(tableID, token) {
		return false
	}
	state := s.stateLocked(tableID)
	state.Loading = false
	state.LastError = message
	return true
}

// ApplyPage replaces or appends the window depending on result.Append. A result carrying
// a token that is no longer current is discarded and ApplyPage returns false.
func (s *Store) ApplyPage(tableID TableID, result PageResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.claimTokenLocked(tableID, result.Token) {
		return false
	}
	if result.Append {
		s.appendLocked(tableID, result)
	} else {
		s.replaceLocked(tableID, result)
	}
	return true
}

// ReplaceWindow installs a fresh, non-paginated fetch result.
func (s *Store) ReplaceWindow(tableID TableID, result PageResult) {
	result.Append = false
	result.Token = 0
	s.ApplyPage(tableID, result)
}

// AppendWindow adds a load-more page to the existing window.
func (s *Store) AppendWindow(tableID TableID, result PageResult) {
	result.Append = true
	result.Token = 0
	s.ApplyPage(tableID, result)
}

// InsertRecord replaces a record with the same identity in place, or inserts it at the
// requested position and grows the total by one.
func (s *Store) InsertRecord(tableID TableID, record records.Record, position Position) InsertOutcome {
	if record == nil {
		return Ignored
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	window := s.windowLocked(tableID)
	index := records.IndexOf(window.Items, records.IdentityKey(record))
	if index >= 0 {
		window.Items[index] = record
		return Replaced
	}
	if position == PositionHead {
		window.Items = append([]records.Record{record}, window.Items...)
	} else {
		window.Items = append(window.Items, record)
	}
	window.Total++
	if state, ok := s.states[tableID]; ok && state.TotalsTracked {
		state.TotalRecords++
		state.TotalPages = TotalPagesFor(state.TotalRecords, state.pageSizeOrDefault())
	}
	return Inserted
}

// PatchRecord shallow-merges changes into a materialized record.
func (s *Store) PatchRecord(tableID TableID, recordID string, changes records.Record) Lookup {
	s.mu.Lock()
	defer s.mu.Unlock()
	window, ok := s.windows[tableID]
	if !ok {
		return NotFound
	}
	index := records.IndexOf(window.Items, recordID)
	if index < 0 {
		return NotFound
	}
	window.Items[index] = window.Items[index].Merge(changes)
	return Found
}

// RemoveRecords filters out the given ids and shrinks the total by the number actually
// removed.
func (s *Store) RemoveRecords(tableID TableID, recordIDs []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	window, ok := s.windows[tableID]
	if !ok {
		return 0
	}
	removed := removeLocked(window, recordIDs)
	if removed > 0 {
		if state, ok := s.states[tableID]; ok && state.TotalsTracked {
			state.TotalRecords = max(state.TotalRecords-removed, 0)
			state.TotalPages = TotalPagesFor(state.TotalRecords, state.pageSizeOrDefault())
		}
	}
	return removed
}

// ClearWindow drops the table's items and invalidates any in-flight load so its result
// cannot resurrect the window. Pagination metadata is kept.
func (s *Store) ClearWindow(tableID TableID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, tableID)
	if _, pending := s.inflight[tableID]; pending {
		delete(s.inflight, tableID)
		if state, ok := s.states[tableID]; ok {
			state.Loading = false
		}
	}
}

// ClearRealtimeFlags resets the real-time indicators after the viewer refreshed.
func (s *Store) ClearRealtimeFlags(tableID TableID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[tableID]; ok {
		state.HasRealTimeUpdates = false
		state.HasNewRecordsOnPreviousPages = false
	}
}

// ApplySearch installs merged search results. Only the window and the search query
// change; pagination totals keep the values of the last page load.
func (s *Store) ApplySearch(tableID TableID, token LoadToken, items []records.Record, query string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.claimTokenLocked(tableID, token) {
		return false
	}
	deduplicated := records.Deduplicate(items)
	s.windows[tableID] = &Window{Items: deduplicated, Total: len(deduplicated)}
	state := s.stateLocked(tableID)
	state.Loading = false
	state.LastError = ""
	state.LastFetched = s.clock()
	state.SearchQuery = query
	return true
}

func (s *Store) replaceLocked(tableID TableID, result PageResult) {
	s.windows[tableID] = &Window{
		Items: records.Deduplicate(result.Records),
		Total: max(result.Total, 0),
	}
	s.recordFetchLocked(tableID, result)
}

func (s *Store) appendLocked(tableID TableID, result PageResult) {
	window, ok := s.windows[tableID]
	if !ok {
		s.replaceLocked(tableID, result)
		return
	}
	combined := make([]records.Record, 0, len(window.Items)+len(result.Records))
	combined = append(combined, window.Items...)
	combined = append(combined, result.Records...)
	window.Items = records.Deduplicate(combined)
	window.Total = max(result.Total, 0)
	s.recordFetchLocked(tableID, result)
}

func (s *Store) recordFetchLocked(tableID TableID, result PageResult) {
	state := s.stateLocked(tableID)
	pageSize := result.PageSize
	if pageSize <= 0 {
		pageSize = state.pageSizeOrDefault()
	}
	state.Loading = false
	state.LastError = ""
	state.LastFetched = s.clock()
	state.CurrentPage = result.Page
	state.PageSize = pageSize
	state.TotalRecords = max(result.Total, 0)
	state.TotalsTracked = true
	state.TotalPages = TotalPagesFor(state.TotalRecords, pageSize)
	state.HasNextPage = result.HasNextPage
	state.NextOffset = result.NextOffset
	state.SearchQuery = result.SearchQuery
}

// claimTokenLocked reports whether token may be applied, consuming it. Token zero is an
// untracked write and always applies.
func (s *Store) claimTokenLocked(tableID TableID, token LoadToken) bool {
	if token == 0 {
		return true
	}
	current, ok := s.inflight[tableID]
	if !ok || current != token {
		return false
	}
	delete(s.inflight, tableID)
	return true
}

func (s *Store) windowLocked(tableID TableID) *Window {
	window, ok := s.windows[tableID]
	if !ok {
		window = &Window{Items: []records.Record{}}
		s.windows[tableID] = window
	}
	return window
}

func (s *Store) stateLocked(tableID TableID) *FetchState {
	state, ok := s.states[tableID]
	if !ok {
		state = &FetchState{PageSize: s.defaultPageSize}
		s.states[tableID] = state
	}
	return state
}

func removeLocked(window *Window, recordIDs []string) int {
	if len(recordIDs) == 0 {
		return 0
	}
	targets := make(map[string]struct{}, len(recordIDs))
	for _, id := range recordIDs {
		targets[id] = struct{}{}
	}
	kept := window.Items[:0]
	removed := 0
	for _, item := range window.Items {
		if _, drop := targets[records.IdentityKey(item)]; drop {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	for index := len(kept); index < len(window.Items); index++ {
		window.Items[index] = nil
	}
	window.Items = kept
	window.Total = max(window.Total-removed, 0)
	return removed
}

package tablestore

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/tablesync/internal/records"
)

// DefaultPageSize applies when a table has no recorded page size.
const DefaultPageSize = 50

// TableID is the internal numeric table identifier.
type TableID int64

// ParseTableID parses a decimal table identifier.
func ParseTableID(raw string) (TableID, error) {
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return TableID(value), nil
}

// String returns the decimal form of the identifier.
func (id TableID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Window is the materialized subset of a table's rows.
type Window struct {
	Items []records.Record `json:"items"`
	Total int              `json:"total"`
}

func (w *Window) clone() Window {
	if w == nil {
		return Window{Items: []records.Record{}}
	}
	items := make([]records.Record, len(w.Items))
	copy(items, w.Items)
	return Window{Items: items, Total: w.Total}
}

// FetchState carries per-table fetch and pagination metadata.
type FetchState struct {
	Loading                      bool      `json:"loading"`
	LastFetched                  time.Time `json:"lastFetched"`
	CurrentPage                  int       `json:"currentPage"`
	PageSize                     int       `json:"pageSize"`
	TotalPages                   int       `json:"totalPages"`
	TotalRecords                 int       `json:"totalRecords"`
	TotalsTracked                bool      `json:"totalsTracked"`
	HasNextPage                  bool      `json:"hasNextPage"`
	NextOffset                   int       `json:"nextOffset"`
	HasRealTimeUpdates           bool      `json:"hasRealTimeUpdates"`
	LastRealTimeUpdate           time.Time `json:"lastRealTimeUpdate"`
	HasNewRecordsOnPreviousPages bool      `json:"hasNewRecordsOnPreviousPages"`
	SearchQuery                  string    `json:"searchQuery"`
	LastError                    string    `json:"lastError"`
}

func (s *FetchState) pageSizeOrDefault() int {
	if s == nil || s.PageSize <= 0 {
		return DefaultPageSize
	}
	return s.PageSize
}

// TotalPagesFor returns ceil(max(totalRecords,1)/pageSize).
func TotalPagesFor(totalRecords, pageSize int) int {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if totalRecords < 1 {
		totalRecords = 1
	}
	return (totalRecords + pageSize - 1) / pageSize
}

// Position selects where a locally created record lands.
type Position int

const (
	// PositionTail appends the record.
	PositionTail Position = iota
	// PositionHead prepends the record so it is immediately visible.
	PositionHead
)

// Lookup distinguishes a present target from an absent one; absence is never an error.
type Lookup int

const (
	// NotFound means the target is not materialized locally.
	NotFound Lookup = iota
	// Found means the target was located.
	Found
)

// InsertOutcome reports what InsertRecord did.
type InsertOutcome int

const (
	// Inserted means a new identity was added and the total grew.
	Inserted InsertOutcome = iota
	// Replaced means an existing identity was overwritten in place.
	Replaced
	// Ignored means the record was nil.
	Ignored
)

// LoadToken identifies one in-flight page load.
type LoadToken uint64

// PageResult is a fetched page ready to be applied to a window.
type PageResult struct {
	Records     []records.Record
	Total       int
	Page        int
	PageSize    int
	Append      bool
	SearchQuery string
	HasNextPage bool
	NextOffset  int
	Token       LoadToken
}

// Batch bundles real-time changes for one table.
type Batch struct {
	Additions []records.Record `json:"additions"`
	Updates   []records.Record `json:"updates"`
	Deletions DeletionIDs      `json:"deletions"`
}

// DeletionIDs lists the ids removed by a batch. Its JSON form accepts bare strings,
// bare numbers and objects carrying an id; entries without a usable id are dropped.
type DeletionIDs []string

func (d *DeletionIDs) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*d = nil
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ids := make(DeletionIDs, 0, len(raw))
	for _, entry := range raw {
		var value any
		decoder := json.NewDecoder(bytes.NewReader(entry))
		decoder.UseNumber()
		if err := decoder.Decode(&value); err != nil {
			continue
		}
		if object, ok := value.(map[string]any); ok {
			value = object[records.IDField]
		}
		if id, ok := (records.Record{records.IDField: value}).ID(); ok {
			ids = append(ids, id)
		}
	}
	*d = ids
	return nil
}

// Empty reports whether the batch carries no changes.
func (b Batch) Empty() bool {
	return len(b.Additions) == 0 && len(b.Updates) == 0 && len(b.Deletions) == 0
}

// MergeSummary describes the effect of one merged batch.
type MergeSummary struct {
	Removed    int      `json:"removed"`
	Updated    int      `json:"updated"`
	Added      int      `json:"added"`
	Spliced    int      `json:"spliced"`
	TotalDelta int      `json:"totalDelta"`
	Total      int      `json:"total"`
	RecordIDs  []string `json:"recordIds"`
}

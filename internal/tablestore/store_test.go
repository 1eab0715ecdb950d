package tablestore

import (
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tablesync/internal/records"
)

const testTable TableID = 7

func fixedClock() func() time.Time {
	instant := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return instant }
}

func makeRecords(prefix string, count int) []records.Record {
	output := make([]records.Record, 0, count)
	for index := 0; index < count; index++ {
		output = append(output, records.Record{"id": fmt.Sprintf("%s-%d", prefix, index), "rank": index})
	}
	return output
}

func TestReplaceWindowDeduplicatesAndTracksTotals(t *testing.T) {
	store := New(Config{Clock: fixedClock()})
	input := append(makeRecords("r", 3), records.Record{"id": "r-1", "rank": 99})

	store.ReplaceWindow(testTable, PageResult{Records: input, Total: 120, PageSize: 50, Page: 0, HasNextPage: true, NextOffset: 50})

	window, ok := store.Window(testTable)
	if !ok {
		t.Fatalf("expected window to exist")
	}
	if len(window.Items) != 3 || window.Total != 120 {
		t.Fatalf("unexpected window: items=%d total=%d", len(window.Items), window.Total)
	}
	state, _ := store.FetchState(testTable)
	if !state.TotalsTracked || state.TotalRecords != 120 || state.TotalPages != 3 {
		t.Fatalf("unexpected fetch state %+v", state)
	}
	if state.LastFetched.IsZero() || state.Loading {
		t.Fatalf("expected a completed fetch, got %+v", state)
	}
	if !state.HasNextPage || state.NextOffset != 50 {
		t.Fatalf("expected pagination cursor to be recorded, got %+v", state)
	}
}

func TestAppendWindowCollapsesOverlap(t *testing.T) {
	store := New(Config{Clock: fixedClock()})
	existing := makeRecords("r", 50)
	store.ReplaceWindow(testTable, PageResult{Records: existing, Total: 200, PageSize: 50})

	nextPage := makeRecords("s", 49)
	nextPage = append(nextPage, records.Record{"id": "r-10"})
	store.AppendWindow(testTable, PageResult{Records: nextPage, Total: 201, PageSize: 50, Page: 1})

	window, _ := store.Window(testTable)
	if len(window.Items) != 50+50-1 {
		t.Fatalf("expected %d items, got %d", 99, len(window.Items))
	}
	if window.Total != 201 {
		t.Fatalf("expected total overwritten by latest count, got %d", window.Total)
	}
}

func TestInsertRecordReplacesOrGrows(t *testing.T) {
	store := New(Config{Clock: fixedClock()})
	store.ReplaceWindow(testTable, PageResult{Records: makeRecords("r", 2), Total: 2, PageSize: 50})

	if outcome := store.InsertRecord(testTable, records.Record{"id": "r-0", "name": "replaced"}, PositionHead); outcome != Replaced {
		t.Fatalf("expected Replaced, got %v", outcome)
	}
	window, _ := store.Window(testTable)
	if window.Total != 2 || window.Items[0]["name"] != "replaced" {
		t.Fatalf("expected in-place replacement, got %+v", window)
	}

	if outcome := store.InsertRecord(testTable, records.Record{"id": "new"}, PositionHead); outcome != Inserted {
		t.Fatalf("expected Inserted, got %v", outcome)
	}
	window, _ = store.Window(testTable)
	if window.Total != 3 || records.IdentityKey(window.Items[0]) != "new" {
		t.Fatalf("expected head insert, got %+v", window)
	}
	state, _ := store.FetchState(testTable)
	if state.TotalRecords != 3 {
		t.Fatalf("expected tracked total to grow, got %d", state.TotalRecords)
	}

	if outcome := store.InsertRecord(testTable, nil, PositionTail); outcome != Ignored {
		t.Fatalf("expected nil record to be ignored, got %v", outcome)
	}
}

func TestPatchRecordMissingIsNotFound(t *testing.T) {
	store := New(Config{})
	if lookup := store.PatchRecord(testTable, "r-1", records.Record{"name": "x"}); lookup != NotFound {
		t.Fatalf("expected NotFound on missing table")
	}
	store.ReplaceWindow(testTable, PageResult{Records: makeRecords("r", 2), Total: 2})
	if lookup := store.PatchRecord(testTable, "zzz", records.Record{"name": "x"}); lookup != NotFound {
		t.Fatalf("expected NotFound on missing record")
	}
	if lookup := store.PatchRecord(testTable, "r-1", records.Record{"name": "patched"}); lookup != Found {
		t.Fatalf("expected Found")
	}
	record, lookup := store.Record(testTable, "r-1")
	if lookup != Found || record["name"] != "patched" || record["rank"] != 1 {
		t.Fatalf("expected shallow merge, got %#v", record)
	}
}

func TestRemoveRecordsMissingIDIsInert(t *testing.T) {
	store := New(Config{})
	store.ReplaceWindow(testTable, PageResult{Records: makeRecords("r", 3), Total: 10})

	if removed := store.RemoveRecords(testTable, []string{"r9"}); removed != 0 {
		t.Fatalf("expected nothing removed, got %d", removed)
	}
	window, _ := store.Window(testTable)
	if window.Total != 10 || len(window.Items) != 3 {
		t.Fatalf("expected window unchanged, got %+v", window)
	}

	if removed := store.RemoveRecords(testTable, []string{"r-0", "r-2"}); removed != 2 {
		t.Fatalf("expected two removals, got %d", removed)
	}
	window, _ = store.Window(testTable)
	if window.Total != 8 || len(window.Items) != 1 {
		t.Fatalf("unexpected window after removal: %+v", window)
	}
}

func TestBeginLoadIsExclusiveUnlessSuperseding(t *testing.T) {
	store := New(Config{})
	first, ok := store.BeginLoad(testTable, false)
	if !ok {
		t.Fatalf("expected first load to begin")
	}
	if _, ok := store.BeginLoad(testTable, false); ok {
		t.Fatalf("expected concurrent load to be refused")
	}
	second, ok := store.BeginLoad(testTable, true)
	if !ok || second == first {
		t.Fatalf("expected superseding load to issue a new token")
	}

	if applied := store.ApplyPage(testTable, PageResult{Records: makeRecords("stale", 1), Total: 1, Token: first}); applied {
		t.Fatalf("expected stale result to be discarded")
	}
	if applied := store.ApplyPage(testTable, PageResult{Records: makeRecords("fresh", 2), Total: 2, Token: second}); !applied {
		t.Fatalf("expected current result to apply")
	}
	window, _ := store.Window(testTable)
	if len(window.Items) != 2 || records.IdentityKey(window.Items[0]) != "fresh-0" {
		t.Fatalf("unexpected window %+v", window)
	}
	state, _ := store.FetchState(testTable)
	if state.Loading {
		t.Fatalf("expected loading to clear")
	}
}

func TestClearWindowInvalidatesInFlightLoad(t *testing.T) {
	store := New(Config{})
	store.ReplaceWindow(testTable, PageResult{Records: makeRecords("r", 2), Total: 2, Page: 1, PageSize: 25})
	token, _ := store.BeginLoad(testTable, false)

	store.ClearWindow(testTable)
	if store.ApplyPage(testTable, PageResult{Records: makeRecords("late", 1), Total: 1, Token: token}) {
		t.Fatalf("expected result of a cleared load to be discarded")
	}
	if _, ok := store.Window(testTable); ok {
		t.Fatalf("expected window to stay cleared")
	}
	state, ok := store.FetchState(testTable)
	if !ok || state.PageSize != 25 || state.CurrentPage != 1 || state.Loading {
		t.Fatalf("expected pagination metadata to survive, got %+v", state)
	}
}

func TestApplySearchKeepsPagination(t *testing.T) {
	store := New(Config{Clock: fixedClock()})
	store.ReplaceWindow(testTable, PageResult{Records: makeRecords("r", 50), Total: 180, PageSize: 50, HasNextPage: true, NextOffset: 50})
	token, _ := store.BeginLoad(testTable, true)

	items := append(makeRecords("r", 50), records.Record{"id": "match-1"})
	if !store.ApplySearch(testTable, token, items, "match") {
		t.Fatalf("expected current token to apply")
	}

	window, _ := store.Window(testTable)
	if len(window.Items) != 51 || window.Total != 51 {
		t.Fatalf("unexpected window: items=%d total=%d", len(window.Items), window.Total)
	}
	state, _ := store.FetchState(testTable)
	if state.TotalRecords != 180 || state.TotalPages != 4 || !state.HasNextPage || state.NextOffset != 50 {
		t.Fatalf("expected pagination to survive the search, got %+v", state)
	}
	if state.SearchQuery != "match" || state.Loading {
		t.Fatalf("unexpected search state %+v", state)
	}
	if store.ApplySearch(testTable, token, nil, "stale") {
		t.Fatalf("expected consumed token to be rejected")
	}
}

func TestFailLoadRecordsError(t *testing.T) {
	store := New(Config{})
	token, _ := store.BeginLoad(testTable, false)
	if !store.FailLoad(testTable, token, "boom") {
		t.Fatalf("expected failure to be recorded")
	}
	state, _ := store.FetchState(testTable)
	if state.Loading || state.LastError != "boom" {
		t.Fatalf("unexpected state %+v", state)
	}
	if store.FailLoad(testTable, token, "again") {
		t.Fatalf("expected consumed token to be rejected")
	}
}

func TestTotalPagesFor(t *testing.T) {
	cases := []struct {
		total    int
		pageSize int
		expected int
	}{
		{0, 50, 1},
		{1, 50, 1},
		{50, 50, 1},
		{51, 50, 2},
		{120, 0, 3},
	}
	for _, testCase := range cases {
		if got := TotalPagesFor(testCase.total, testCase.pageSize); got != testCase.expected {
			t.Fatalf("TotalPagesFor(%d,%d) = %d, want %d", testCase.total, testCase.pageSize, got, testCase.expected)
		}
	}
}

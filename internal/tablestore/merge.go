package tablestore

import (
	"github.com/MarcoPoloResearchLab/tablesync/internal/records"
)

// MergeBatch folds a real-time batch into the table's window. Deletions apply first,
// then updates, then additions. New additions are only spliced into the window while
// the viewer is on the first page; on later pages they are counted but stay invisible.
func (s *Store) MergeBatch(tableID TableID, batch Batch) MergeSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := s.windowLocked(tableID)
	state := s.stateLocked(tableID)
	summary := MergeSummary{RecordIDs: []string{}}

	deletions := make([]string, 0, len(batch.Deletions))
	for _, id := range batch.Deletions {
		if id == "" {
			continue
		}
		deletions = append(deletions, id)
	}
	summary.Removed = removeMatching(window, deletions, &summary)
	summary.TotalDelta -= summary.Removed

	for _, update := range batch.Updates {
		id, ok := update.ID()
		if !ok {
			continue
		}
		index := records.IndexOf(window.Items, id)
		if index < 0 {
			continue
		}
		window.Items[index] = window.Items[index].Merge(update)
		summary.Updated++
		summary.RecordIDs = append(summary.RecordIDs, id)
	}

	onFirstPage := state.CurrentPage == 0
	fresh := make([]records.Record, 0, len(batch.Additions))
	seen := make(map[string]struct{}, len(batch.Additions))
	for _, addition := range batch.Additions {
		if addition == nil {
			continue
		}
		key := records.IdentityKey(addition)
		if _, duplicate := seen[key]; duplicate {
			continue
		}
		seen[key] = struct{}{}
		if records.IndexOf(window.Items, key) >= 0 {
			continue
		}
		fresh = append(fresh, addition)
		summary.Added++
		summary.TotalDelta++
		summary.RecordIDs = append(summary.RecordIDs, key)
	}

	if onFirstPage && len(fresh) > 0 {
		// Newest arrival ends up first.
		spliced := make([]records.Record, 0, len(fresh)+len(window.Items))
		for index := len(fresh) - 1; index >= 0; index-- {
			spliced = append(spliced, fresh[index])
		}
		spliced = append(spliced, window.Items...)
		pageSize := state.pageSizeOrDefault()
		if len(spliced) > pageSize {
			spliced = spliced[:pageSize]
		}
		window.Items = spliced
		summary.Spliced = len(fresh)
	}

	window.Total = max(window.Total+summary.TotalDelta, 0)
	summary.Total = window.Total

	state.HasRealTimeUpdates = true
	state.LastRealTimeUpdate = s.clock()
	if state.TotalsTracked {
		state.TotalRecords = max(state.TotalRecords+summary.TotalDelta, 0)
		state.TotalPages = TotalPagesFor(state.TotalRecords, state.pageSizeOrDefault())
	}
	if !onFirstPage && len(fresh) > 0 {
		state.HasNewRecordsOnPreviousPages = true
	}
	return summary
}

func removeMatching(window *Window, recordIDs []string, summary *MergeSummary) int {
	before := len(window.Items)
	present := make([]string, 0, len(recordIDs))
	for _, id := range recordIDs {
		if records.IndexOf(window.Items, id) >= 0 {
			present = append(present, id)
		}
	}
	if len(present) == 0 {
		return 0
	}
	total := window.Total
	removeLocked(window, present)
	window.Total = total
	summary.RecordIDs = append(summary.RecordIDs, present...)
	return before - len(window.Items)
}

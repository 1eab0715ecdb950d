package tables

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tablesync/internal/realtime"
	"github.com/MarcoPoloResearchLab/tablesync/internal/records"
	"github.com/MarcoPoloResearchLab/tablesync/internal/tablestore"
)

// CreateRecord inserts a record remotely and, once the source accepts it, places the
// stored copy at the head of the cached window.
func (s *Service) CreateRecord(ctx context.Context, tableID tablestore.TableID, record records.Record) (records.Record, error) {
	if len(record) == 0 {
		return nil, s.mutationFailed(opCreateRecord, "empty_record", errEmptyRecord, tableID)
	}
	metadata, err := s.metadata.ResolveTable(ctx, tableID)
	if err != nil {
		return nil, s.mutationFailed(opCreateRecord, "resolve_metadata_failed", err, tableID)
	}
	created, err := s.source.CreateRecord(ctx, metadata.ContainerID, metadata.TableName, record)
	if err != nil {
		return nil, s.mutationFailed(opCreateRecord, "source_failed", err, tableID)
	}
	s.recordMutation(nil)

	if s.store.InsertRecord(tableID, created, tablestore.PositionHead) == tablestore.Inserted {
		s.publish(tableID, realtime.KindInsert, tablestore.MergeSummary{Added: 1, RecordIDs: []string{records.IdentityKey(created)}})
	} else {
		s.publish(tableID, realtime.KindUpdate, tablestore.MergeSummary{Updated: 1, RecordIDs: []string{records.IdentityKey(created)}})
	}
	return created, nil
}

// UpdateRecord applies changes remotely, then patches the cached copy if one exists.
func (s *Service) UpdateRecord(ctx context.Context, tableID tablestore.TableID, recordID string, changes records.Record) (records.Record, error) {
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return nil, s.mutationFailed(opUpdateRecord, "missing_record_id", errMissingRecordID, tableID)
	}
	metadata, err := s.metadata.ResolveTable(ctx, tableID)
	if err != nil {
		return nil, s.mutationFailed(opUpdateRecord, "resolve_metadata_failed", err, tableID)
	}
	updated, err := s.source.UpdateRecord(ctx, metadata.ContainerID, metadata.TableName, recordID, changes)
	if err != nil {
		return nil, s.mutationFailed(opUpdateRecord, "source_failed", err, tableID, zap.String("record_id", recordID))
	}
	s.recordMutation(nil)

	if s.store.PatchRecord(tableID, recordID, changes) == tablestore.Found {
		s.publish(tableID, realtime.KindUpdate, tablestore.MergeSummary{Updated: 1, RecordIDs: []string{recordID}})
	}
	return updated, nil
}

// DeleteRecords removes records remotely in batches and drops them from the cache once
// every batch succeeded.
func (s *Service) DeleteRecords(ctx context.Context, tableID tablestore.TableID, recordIDs []string) (int, error) {
	ids := make([]string, 0, len(recordIDs))
	for _, id := range recordIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	metadata, err := s.metadata.ResolveTable(ctx, tableID)
	if err != nil {
		return 0, s.mutationFailed(opDeleteRecords, "resolve_metadata_failed", err, tableID)
	}
	for _, batch := range chunkIDs(ids, deleteBatchSize) {
		if err := s.source.DeleteRecords(ctx, metadata.ContainerID, metadata.TableName, batch); err != nil {
			return 0, s.mutationFailed(opDeleteRecords, "source_failed", err, tableID, zap.Int("batch_size", len(batch)))
		}
	}
	s.recordMutation(nil)

	removed := s.store.RemoveRecords(tableID, ids)
	if removed > 0 {
		s.publish(tableID, realtime.KindDelete, tablestore.MergeSummary{Removed: removed, RecordIDs: ids})
	}
	return removed, nil
}

// DeleteUser removes a user remotely, then from the users cache.
func (s *Service) DeleteUser(ctx context.Context, containerID, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return newServiceError(opDeleteUser, "missing_user_id", errMissingEntityID)
	}
	if err := s.source.DeleteUser(ctx, containerID, userID); err != nil {
		s.users.SetError(err.Error())
		s.logError(opDeleteUser, "source_failed", err,
			zap.String("container_id", containerID),
			zap.String("user_id", userID))
		return newServiceError(opDeleteUser, "source_failed", err)
	}
	s.users.Remove(containerID, userID)
	return nil
}

// DeleteBucket removes a bucket remotely, then from the buckets cache.
func (s *Service) DeleteBucket(ctx context.Context, containerID, bucketID string) error {
	if strings.TrimSpace(bucketID) == "" {
		return newServiceError(opDeleteBucket, "missing_bucket_id", errMissingEntityID)
	}
	if err := s.source.DeleteBucket(ctx, containerID, bucketID); err != nil {
		s.buckets.SetError(err.Error())
		s.logError(opDeleteBucket, "source_failed", err,
			zap.String("container_id", containerID),
			zap.String("bucket_id", bucketID))
		return newServiceError(opDeleteBucket, "source_failed", err)
	}
	s.buckets.Remove(containerID, bucketID)
	return nil
}

// ApplyRealtimeBatch merges a pushed batch into the store and notifies subscribers.
func (s *Service) ApplyRealtimeBatch(_ context.Context, tableID tablestore.TableID, batch tablestore.Batch) tablestore.MergeSummary {
	if batch.Empty() {
		return tablestore.MergeSummary{RecordIDs: []string{}}
	}
	summary := s.store.MergeBatch(tableID, batch)
	s.logger.Debug("merged realtime batch",
		zap.String("operation", opApplyRealtime),
		zap.Int64("table_id", int64(tableID)),
		zap.Int("added", summary.Added),
		zap.Int("updated", summary.Updated),
		zap.Int("removed", summary.Removed))
	s.publish(tableID, realtime.KindMerge, summary)
	return summary
}

func (s *Service) mutationFailed(operation, reason string, err error, tableID tablestore.TableID, fields ...zap.Field) error {
	s.recordMutation(err)
	s.logError(operation, reason, err, append([]zap.Field{zap.Int64("table_id", int64(tableID))}, fields...)...)
	return newServiceError(operation, reason, err)
}

func (s *Service) publish(tableID tablestore.TableID, kind realtime.Kind, summary tablestore.MergeSummary) {
	total := summary.Total
	if window, ok := s.store.Window(tableID); ok {
		total = window.Total
	}
	s.publisher.Publish(realtime.Event{
		TableID:   int64(tableID),
		Kind:      kind,
		Added:     summary.Added,
		Updated:   summary.Updated,
		Removed:   summary.Removed,
		RecordIDs: summary.RecordIDs,
		Total:     total,
		Timestamp: s.clock().UTC(),
	})
}

package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/MarcoPoloResearchLab/tablesync/internal/realtime"
	"github.com/MarcoPoloResearchLab/tablesync/internal/records"
	"github.com/MarcoPoloResearchLab/tablesync/internal/tables"
	"github.com/MarcoPoloResearchLab/tablesync/internal/tablestore"
)

// DataSource is a mock for tables.DataSource.
type DataSource struct {
	mock.Mock
}

func (m *DataSource) FetchRecords(ctx context.Context, containerID, tableName string, query tables.FetchQuery) (tables.FetchResult, error) {
	args := m.Called(ctx, containerID, tableName, query)
	if result, ok := args.Get(0).(tables.FetchResult); ok {
		return result, args.Error(1)
	}
	return tables.FetchResult{}, args.Error(1)
}

func (m *DataSource) FetchRecord(ctx context.Context, containerID, tableName, recordID string) (records.Record, error) {
	args := m.Called(ctx, containerID, tableName, recordID)
	if record, ok := args.Get(0).(records.Record); ok {
		return record, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *DataSource) CountRecords(ctx context.Context, containerID, tableName string, filters map[string]string) (int, error) {
	args := m.Called(ctx, containerID, tableName, filters)
	return args.Int(0), args.Error(1)
}

func (m *DataSource) CreateRecord(ctx context.Context, containerID, tableName string, record records.Record) (records.Record, error) {
	args := m.Called(ctx, containerID, tableName, record)
	if created, ok := args.Get(0).(records.Record); ok {
		return created, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *DataSource) UpdateRecord(ctx context.Context, containerID, tableName, recordID string, changes records.Record) (records.Record, error) {
	args := m.Called(ctx, containerID, tableName, recordID, changes)
	if updated, ok := args.Get(0).(records.Record); ok {
		return updated, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *DataSource) DeleteRecords(ctx context.Context, containerID, tableName string, recordIDs []string) error {
	args := m.Called(ctx, containerID, tableName, recordIDs)
	return args.Error(0)
}

func (m *DataSource) FetchUsers(ctx context.Context, containerID string) ([]records.Record, error) {
	args := m.Called(ctx, containerID)
	if users, ok := args.Get(0).([]records.Record); ok {
		return users, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *DataSource) FetchBuckets(ctx context.Context, containerID string) ([]records.Record, error) {
	args := m.Called(ctx, containerID)
	if buckets, ok := args.Get(0).([]records.Record); ok {
		return buckets, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *DataSource) DeleteUser(ctx context.Context, containerID, userID string) error {
	args := m.Called(ctx, containerID, userID)
	return args.Error(0)
}

func (m *DataSource) DeleteBucket(ctx context.Context, containerID, bucketID string) error {
	args := m.Called(ctx, containerID, bucketID)
	return args.Error(0)
}

// MetadataResolver is a mock for tables.MetadataResolver.
type MetadataResolver struct {
	mock.Mock
}

func (m *MetadataResolver) ResolveTable(ctx context.Context, tableID tablestore.TableID) (tables.TableMetadata, error) {
	args := m.Called(ctx, tableID)
	if metadata, ok := args.Get(0).(tables.TableMetadata); ok {
		return metadata, args.Error(1)
	}
	return tables.TableMetadata{}, args.Error(1)
}

// Publisher is a mock for tables.Publisher.
type Publisher struct {
	mock.Mock
}

func (m *Publisher) Publish(event realtime.Event) {
	m.Called(event)
}

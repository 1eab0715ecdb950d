package tables

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/tablesync/internal/realtime"
	"github.com/MarcoPoloResearchLab/tablesync/internal/records"
	"github.com/MarcoPoloResearchLab/tablesync/internal/tablestore"
)

// FetchQuery narrows a remote record fetch.
type FetchQuery struct {
	Limit       int
	Offset      int
	Order       string
	Filters     map[string]string
	SearchQuery string
	TextFields  []string
}

// FetchResult is one page returned by a DataSource. HasTotal is false when the source
// could not report a row count.
type FetchResult struct {
	Records  []records.Record
	Total    int
	HasTotal bool
}

// DataSource is the remote data-access collaborator.
type DataSource interface {
	FetchRecords(ctx context.Context, containerID, tableName string, query FetchQuery) (FetchResult, error)
	FetchRecord(ctx context.Context, containerID, tableName, recordID string) (records.Record, error)
	CountRecords(ctx context.Context, containerID, tableName string, filters map[string]string) (int, error)
	CreateRecord(ctx context.Context, containerID, tableName string, record records.Record) (records.Record, error)
	UpdateRecord(ctx context.Context, containerID, tableName, recordID string, changes records.Record) (records.Record, error)
	DeleteRecords(ctx context.Context, containerID, tableName string, recordIDs []string) error
	FetchUsers(ctx context.Context, containerID string) ([]records.Record, error)
	FetchBuckets(ctx context.Context, containerID string) ([]records.Record, error)
	DeleteUser(ctx context.Context, containerID, userID string) error
	DeleteBucket(ctx context.Context, containerID, bucketID string) error
}

// Field describes one column of a table.
type Field struct {
	Name     string `json:"name" yaml:"name"`
	DataType string `json:"dataType" yaml:"type"`
}

// TableMetadata locates a table inside its container.
type TableMetadata struct {
	ID          tablestore.TableID `json:"id"`
	ContainerID string             `json:"containerId"`
	TableName   string             `json:"tableName"`
	Fields      []Field            `json:"fields"`
}

// HasCreatedAt reports whether the table carries a creation timestamp column.
func (m TableMetadata) HasCreatedAt() bool {
	for _, field := range m.Fields {
		name := strings.ToLower(field.Name)
		if name == "created_at" || name == "createdat" {
			return true
		}
	}
	return false
}

// TextFields lists the columns a free-text search should match against.
func (m TableMetadata) TextFields() []string {
	var names []string
	for _, field := range m.Fields {
		switch strings.ToLower(field.DataType) {
		case "text", "character varying", "varchar", "char", "character":
			names = append(names, field.Name)
		}
	}
	return names
}

// MetadataResolver maps an internal table id to its remote location.
type MetadataResolver interface {
	ResolveTable(ctx context.Context, tableID tablestore.TableID) (TableMetadata, error)
}

// Publisher receives change events after they are applied to the store.
type Publisher interface {
	Publish(event realtime.Event)
}

type noOpPublisher struct{}

func (noOpPublisher) Publish(realtime.Event) {}

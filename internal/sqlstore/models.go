// Package sqlstore is a SQLite-backed data source: table rows and container entities
// are stored as JSON payloads and queried with PostgREST-style filters.
package sqlstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"

	"github.com/MarcoPoloResearchLab/tablesync/internal/records"
	"github.com/MarcoPoloResearchLab/tablesync/internal/tables"
	"github.com/MarcoPoloResearchLab/tablesync/internal/tablestore"
)

const maxIdentifierLength = 190

// EntityKind distinguishes auxiliary entities stored per container.
type EntityKind string

const (
	// EntityKindUser marks a container user.
	EntityKindUser EntityKind = "user"
	// EntityKindBucket marks a storage bucket.
	EntityKindBucket EntityKind = "bucket"
)

var (
	// ErrInvalidIdentifier indicates an empty or oversized container, table or record id.
	ErrInvalidIdentifier = errors.New("sqlstore: invalid identifier")
	// ErrUnknownTable indicates that no definition exists for the requested table.
	ErrUnknownTable = fmt.Errorf("sqlstore: %w", tables.ErrUnknownTable)
)

// TableDefinition registers a table and its column metadata.
type TableDefinition struct {
	ID          int64          `gorm:"column:id;primaryKey;autoIncrement"`
	ContainerID string         `gorm:"column:container_id;size:190;not null;uniqueIndex:idx_table_definitions_location"`
	Name        string         `gorm:"column:table_name;size:190;not null;uniqueIndex:idx_table_definitions_location"`
	Fields      datatypes.JSON `gorm:"column:fields;type:json"`
	CreatedAt   int64          `gorm:"column:created_at_s;autoCreateTime"`
}

// TableName exposes the table backing definitions.
func (TableDefinition) TableName() string {
	return "table_definitions"
}

// Metadata converts the definition into the orchestration layer's view.
func (d TableDefinition) Metadata() (tables.TableMetadata, error) {
	metadata := tables.TableMetadata{
		ID:          tablestore.TableID(d.ID),
		ContainerID: d.ContainerID,
		TableName:   d.Name,
	}
	if len(d.Fields) == 0 {
		return metadata, nil
	}
	if err := json.Unmarshal(d.Fields, &metadata.Fields); err != nil {
		return tables.TableMetadata{}, fmt.Errorf("decode fields of %s: %w", d.Name, err)
	}
	return metadata, nil
}

// TableRow stores one record of a user table.
type TableRow struct {
	ContainerID string         `gorm:"column:container_id;primaryKey;size:190;not null"`
	Table       string         `gorm:"column:table_name;primaryKey;size:190;not null"`
	RecordID    string         `gorm:"column:record_id;primaryKey;size:190;not null"`
	Payload     datatypes.JSON `gorm:"column:payload;type:json;not null"`
	CreatedAtNs int64          `gorm:"column:created_at_ns;not null;index"`
	UpdatedAtNs int64          `gorm:"column:updated_at_ns;not null"`
}

// TableName exposes the table backing rows.
func (TableRow) TableName() string {
	return "table_rows"
}

// ContainerEntity stores a user or bucket belonging to a container.
type ContainerEntity struct {
	ContainerID string         `gorm:"column:container_id;primaryKey;size:190;not null"`
	Kind        EntityKind     `gorm:"column:kind;primaryKey;size:32;not null"`
	EntityID    string         `gorm:"column:entity_id;primaryKey;size:190;not null"`
	Payload     datatypes.JSON `gorm:"column:payload;type:json;not null"`
	CreatedAtNs int64          `gorm:"column:created_at_ns;not null"`
}

// TableName exposes the table backing container entities.
func (ContainerEntity) TableName() string {
	return "container_entities"
}

// Models lists every model the store migrates.
func Models() []any {
	return []any{&TableDefinition{}, &TableRow{}, &ContainerEntity{}}
}

func decodePayload(payload datatypes.JSON) (records.Record, error) {
	record := records.Record{}
	if len(payload) == 0 {
		return record, nil
	}
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, err
	}
	return record, nil
}

func encodePayload(record records.Record) (datatypes.JSON, error) {
	encoded, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func validateIdentifier(kind, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty %s", ErrInvalidIdentifier, kind)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidIdentifier, kind, maxIdentifierLength)
	}
	return trimmed, nil
}

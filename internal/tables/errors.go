package tables

import (
	"errors"
	"fmt"
)

var (
	errMissingSource   = errors.New("data source is required")
	errMissingMetadata = errors.New("metadata resolver is required")
	errMissingStore    = errors.New("table store is required")
	errMissingCaches   = errors.New("auxiliary caches are required")
	errMissingRecordID = errors.New("record identifier is required")
	errMissingEntityID = errors.New("entity identifier is required")
	errNoFetchState    = errors.New("table has not been loaded")
	errEmptyRecord     = errors.New("record payload is empty")

	// ErrNotFound reports that the remote side has no such record.
	ErrNotFound = errors.New("not found")
	// ErrUnknownTable reports that no definition exists for a table id.
	ErrUnknownTable = errors.New("unknown table")
)

// ServiceError carries a dotted operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "tables.service.new"
	opPreloadUsers   = "tables.preload_users"
	opPreloadBuckets = "tables.preload_buckets"
	opLoadRecords    = "tables.load_records"
	opLoadPage       = "tables.load_page"
	opReloadPage     = "tables.reload_page"
	opSearchRecords  = "tables.search_records"
	opGetRecord      = "tables.get_record"
	opCountRecords   = "tables.count_records"
	opCreateRecord   = "tables.create_record"
	opUpdateRecord   = "tables.update_record"
	opDeleteRecords  = "tables.delete_records"
	opDeleteUser     = "tables.delete_user"
	opDeleteBucket   = "tables.delete_bucket"
	opApplyRealtime  = "tables.apply_realtime"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

package tables

import (
	"maps"
	"strings"
)

const (
	defaultOrder     = "created_at.desc"
	searchResultsCap = 500
	deleteBatchSize  = 50
)

func buildFetchQuery(metadata TableMetadata, opts LoadOptions, limit, offset int) FetchQuery {
	query := FetchQuery{
		Limit:  limit,
		Offset: offset,
		Order:  opts.Order,
	}
	if query.Order == "" && metadata.HasCreatedAt() {
		query.Order = defaultOrder
	}
	if search := strings.TrimSpace(opts.SearchQuery); search != "" {
		query.SearchQuery = search
		query.TextFields = metadata.TextFields()
	}
	if len(opts.Filters) > 0 {
		query.Filters = maps.Clone(opts.Filters)
	}
	return query
}

func chunkIDs(ids []string, size int) [][]string {
	if size <= 0 {
		size = deleteBatchSize
	}
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

package records

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// IDField names the identity field carried by every record that has one.
const IDField = "id"

// Record is an open map of named fields; the "id" field, when present, is its identity.
type Record map[string]any

// ID returns the stringified identity of the record.
func (r Record) ID() (string, bool) {
	if r == nil {
		return "", false
	}
	raw, ok := r[IDField]
	if !ok || raw == nil {
		return "", false
	}
	id := stringifyID(raw)
	if id == "" {
		return "", false
	}
	return id, true
}

// Merge returns a shallow copy of r with changes applied on top.
func (r Record) Merge(changes Record) Record {
	merged := make(Record, len(r)+len(changes))
	for key, value := range r {
		merged[key] = value
	}
	for key, value := range changes {
		merged[key] = value
	}
	return merged
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return r.Merge(nil)
}

// String returns the named field as a string when it holds one.
func (r Record) String(field string) (string, bool) {
	value, ok := r[field].(string)
	return value, ok
}

func stringifyID(raw any) string {
	switch value := raw.(type) {
	case string:
		return value
	case int:
		return strconv.Itoa(value)
	case int32:
		return strconv.FormatInt(int64(value), 10)
	case int64:
		return strconv.FormatInt(value, 10)
	case uint:
		return strconv.FormatUint(uint64(value), 10)
	case uint64:
		return strconv.FormatUint(value, 10)
	case float64:
		if value == math.Trunc(value) && math.Abs(value) < 1e15 {
			return strconv.FormatInt(int64(value), 10)
		}
		return strconv.FormatFloat(value, 'f', -1, 64)
	case json.Number:
		return value.String()
	default:
		return fmt.Sprint(value)
	}
}

// IdentityKey computes the deduplication key for a record. Records with an id use it;
// id-less records collapse to a canonical serialization of their sorted fields.
func IdentityKey(r Record) string {
	if id, ok := r.ID(); ok {
		return id
	}
	return canonicalKey(r)
}

func canonicalKey(r Record) string {
	keys := make([]string, 0, len(r))
	for key := range r {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var builder strings.Builder
	builder.WriteByte('[')
	for index, key := range keys {
		if index > 0 {
			builder.WriteByte(',')
		}
		builder.WriteByte('[')
		builder.WriteString(encodeCanonical(norm.NFC.String(key)))
		builder.WriteByte(',')
		builder.WriteString(encodeCanonical(normalizeValue(r[key])))
		builder.WriteByte(']')
	}
	builder.WriteByte(']')
	return builder.String()
}

func normalizeValue(value any) any {
	switch typed := value.(type) {
	case string:
		return norm.NFC.String(typed)
	case Record:
		return normalizeMap(typed)
	case map[string]any:
		return normalizeMap(typed)
	case []any:
		normalized := make([]any, len(typed))
		for index, element := range typed {
			normalized[index] = normalizeValue(element)
		}
		return normalized
	default:
		return value
	}
}

func normalizeMap(value map[string]any) map[string]any {
	normalized := make(map[string]any, len(value))
	for key, element := range value {
		normalized[norm.NFC.String(key)] = normalizeValue(element)
	}
	return normalized
}

// encodeCanonical serializes without HTML escaping; encoding/json already sorts map keys.
func encodeCanonical(value any) string {
	var builder strings.Builder
	encoder := json.NewEncoder(&builder)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		return fmt.Sprintf("%#v", value)
	}
	return strings.TrimSuffix(builder.String(), "\n")
}

// Deduplicate drops nil records and keeps the first occurrence of each identity key,
// preserving input order.
func Deduplicate(input []Record) []Record {
	seen := make(map[string]struct{}, len(input))
	output := make([]Record, 0, len(input))
	for _, record := range input {
		if record == nil {
			continue
		}
		key := IdentityKey(record)
		if _, duplicate := seen[key]; duplicate {
			continue
		}
		seen[key] = struct{}{}
		output = append(output, record)
	}
	return output
}

// IndexOf returns the position of the record whose identity key equals key, or -1.
func IndexOf(items []Record, key string) int {
	for index, item := range items {
		if item != nil && IdentityKey(item) == key {
			return index
		}
	}
	return -1
}

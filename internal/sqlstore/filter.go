package sqlstore

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	errInvalidField = errors.New("invalid field name")
	errInvalidOrder = errors.New("invalid order clause")

	fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	controlKeys = map[string]struct{}{
		"limit":  {},
		"offset": {},
		"order":  {},
		"select": {},
	}
)

// Clause is a compiled SQL fragment with its bind arguments.
type Clause struct {
	SQL  string
	Args []any
}

// Empty reports whether the clause contributes nothing.
func (c Clause) Empty() bool {
	return c.SQL == ""
}

// CompileFilters translates PostgREST-style filters into a WHERE fragment over the JSON
// payload column. Keys are processed in sorted order so the output is deterministic.
func CompileFilters(filters map[string]string) (Clause, error) {
	keys := make([]string, 0, len(filters))
	for key := range filters {
		if _, control := controlKeys[key]; control {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var parts []string
	var args []any
	for _, key := range keys {
		value := filters[key]
		if key == "or" {
			group, err := compileOrGroup(value)
			if err != nil {
				return Clause{}, err
			}
			if group.Empty() {
				continue
			}
			parts = append(parts, group.SQL)
			args = append(args, group.Args...)
			continue
		}
		condition, err := compileCondition(key, value)
		if err != nil {
			return Clause{}, err
		}
		parts = append(parts, condition.SQL)
		args = append(args, condition.Args...)
	}
	return Clause{SQL: strings.Join(parts, " AND "), Args: args}, nil
}

// likeEscaper makes LIKE metacharacters in free-text queries match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// CompileSearch builds a case-insensitive OR over the given text fields.
func CompileSearch(query string, fields []string) (Clause, error) {
	query = strings.TrimSpace(query)
	if query == "" || len(fields) == 0 {
		return Clause{}, nil
	}
	pattern := "%" + likeEscaper.Replace(strings.ToLower(query)) + "%"
	parts := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields))
	for _, field := range fields {
		column, err := payloadColumn(field)
		if err != nil {
			return Clause{}, err
		}
		parts = append(parts, fmt.Sprintf(`LOWER(%s) LIKE ? ESCAPE '\'`, column))
		args = append(args, pattern)
	}
	return Clause{SQL: "(" + strings.Join(parts, " OR ") + ")", Args: args}, nil
}

// CompileOrder translates "field.desc,other.asc" into an ORDER BY list.
func CompileOrder(order string) (string, error) {
	order = strings.TrimSpace(order)
	if order == "" {
		return "", nil
	}
	segments := strings.Split(order, ",")
	terms := make([]string, 0, len(segments))
	for _, segment := range segments {
		pieces := strings.Split(strings.TrimSpace(segment), ".")
		column, err := payloadColumn(pieces[0])
		if err != nil {
			return "", fmt.Errorf("%w: %s", errInvalidOrder, segment)
		}
		direction := "ASC"
		if len(pieces) > 1 && strings.EqualFold(pieces[1], "desc") {
			direction = "DESC"
		}
		terms = append(terms, column+" "+direction)
	}
	return strings.Join(terms, ", "), nil
}

func compileOrGroup(value string) (Clause, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "(") || !strings.HasSuffix(value, ")") {
		return Clause{}, fmt.Errorf("or group must be parenthesised: %q", value)
	}
	inner := value[1 : len(value)-1]
	if strings.TrimSpace(inner) == "" {
		return Clause{}, nil
	}
	var parts []string
	var args []any
	for _, term := range splitTopLevel(inner) {
		field, expression, found := strings.Cut(term, ".")
		if !found {
			return Clause{}, fmt.Errorf("or term missing operator: %q", term)
		}
		condition, err := compileCondition(field, expression)
		if err != nil {
			return Clause{}, err
		}
		parts = append(parts, condition.SQL)
		args = append(args, condition.Args...)
	}
	return Clause{SQL: "(" + strings.Join(parts, " OR ") + ")", Args: args}, nil
}

func compileCondition(field, expression string) (Clause, error) {
	column, err := payloadColumn(field)
	if err != nil {
		return Clause{}, err
	}
	operator, operand, found := strings.Cut(expression, ".")
	if !found {
		return Clause{SQL: column + " = ?", Args: []any{typedValue(expression)}}, nil
	}
	switch strings.ToLower(operator) {
	case "eq":
		return Clause{SQL: column + " = ?", Args: []any{typedValue(operand)}}, nil
	case "neq":
		return Clause{SQL: column + " != ?", Args: []any{typedValue(operand)}}, nil
	case "gt":
		return Clause{SQL: column + " > ?", Args: []any{typedValue(operand)}}, nil
	case "gte":
		return Clause{SQL: column + " >= ?", Args: []any{typedValue(operand)}}, nil
	case "lt":
		return Clause{SQL: column + " < ?", Args: []any{typedValue(operand)}}, nil
	case "lte":
		return Clause{SQL: column + " <= ?", Args: []any{typedValue(operand)}}, nil
	case "like":
		return Clause{SQL: column + " LIKE ?", Args: []any{wildcard(operand)}}, nil
	case "ilike":
		return Clause{SQL: "LOWER(" + column + ") LIKE ?", Args: []any{strings.ToLower(wildcard(operand))}}, nil
	case "in":
		return compileIn(column, operand)
	case "is":
		switch strings.ToLower(operand) {
		case "null":
			return Clause{SQL: column + " IS NULL"}, nil
		case "true":
			return Clause{SQL: column + " = 1"}, nil
		case "false":
			return Clause{SQL: column + " = 0"}, nil
		}
		return Clause{}, fmt.Errorf("unsupported is operand %q", operand)
	default:
		return Clause{SQL: column + " = ?", Args: []any{typedValue(expression)}}, nil
	}
}

func compileIn(column, operand string) (Clause, error) {
	operand = strings.TrimSpace(operand)
	if !strings.HasPrefix(operand, "(") || !strings.HasSuffix(operand, ")") {
		return Clause{}, fmt.Errorf("in list must be parenthesised: %q", operand)
	}
	values := strings.Split(operand[1:len(operand)-1], ",")
	placeholders := make([]string, 0, len(values))
	args := make([]any, 0, len(values))
	for _, value := range values {
		placeholders = append(placeholders, "?")
		args = append(args, typedValue(strings.TrimSpace(value)))
	}
	return Clause{SQL: column + " IN (" + strings.Join(placeholders, ",") + ")", Args: args}, nil
}

// payloadColumn addresses a field inside the JSON payload column.
func payloadColumn(field string) (string, error) {
	field = strings.TrimSpace(field)
	if !fieldPattern.MatchString(field) {
		return "", fmt.Errorf("%w: %q", errInvalidField, field)
	}
	return fmt.Sprintf("json_extract(payload, '$.%s')", field), nil
}

// typedValue binds numeric literals as numbers so they compare against JSON numbers.
// Zero-padded literals stay strings.
func typedValue(raw string) any {
	if len(raw) > 1 && raw[0] == '0' && raw[1] != '.' {
		return raw
	}
	if integer, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return integer
	}
	if float, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(float) && !math.IsInf(float, 0) {
		return float
	}
	return raw
}

func wildcard(pattern string) string {
	return strings.ReplaceAll(pattern, "*", "%")
}

// splitTopLevel splits on commas outside parentheses.
func splitTopLevel(input string) []string {
	var terms []string
	depth := 0
	start := 0
	for index, char := range input {
		switch char {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				terms = append(terms, strings.TrimSpace(input[start:index]))
				start = index + 1
			}
		}
	}
	if tail := strings.TrimSpace(input[start:]); tail != "" {
		terms = append(terms, tail)
	}
	return terms
}

// Package query compiles filter/order/limit parameters into parameterized
// SQL over the documents table's jsonb data column. Field names are the only
// textual interpolation and pass a strict whitelist; everything else binds
// as a parameter.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	apperrors "github.com/telestackhq/db/internal/pkg/errors"
	"github.com/telestackhq/db/internal/pkg/logger"
)

// fieldPattern is the whitelist protecting the storage layer: dotted
// identifiers only. Filters with any other field shape are dropped, not
// rejected.
var fieldPattern = regexp.MustCompile(`^[A-Za-z0-9.]+$`)

// Operators accepted in filters.
const (
	OpEq            = "=="
	OpNeq           = "!="
	OpLt            = "<"
	OpLte           = "<="
	OpGt            = ">"
	OpGte           = ">="
	OpIn            = "in"
	OpArrayContains = "array-contains"
	OpLike          = "LIKE"
)

// Filter is one (field, op, value) predicate; all filters AND together.
type Filter struct {
	Field string
	Op    string
	Value interface{}
}

// Query is a compiled read over one workspace's documents.
type Query struct {
	WorkspaceID string

	// CollectionPath optionally scopes results to the documents exactly one
	// level below a collection path. Empty means workspace-wide.
	CollectionPath string

	Filters        []Filter
	OrderByField   string
	OrderDirection string // "asc" (default) or "desc"
	Limit          int
}

// Result is one matching document.
type Result struct {
	ID      string          `json:"id"`
	Path    string          `json:"path"`
	Data    json.RawMessage `json:"data"`
	Version int64           `json:"version"`
}

// ParseFilters decodes the wire form: a JSON array of [field, op, value]
// triples.
func ParseFilters(raw string) ([]Filter, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var triples [][]interface{}
	if err := json.Unmarshal([]byte(raw), &triples); err != nil {
		return nil, apperrors.ErrMalformedRequestf("filters must be a JSON array of [field, op, value] triples")
	}
	filters := make([]Filter, 0, len(triples))
	for _, t := range triples {
		if len(t) != 3 {
			return nil, apperrors.ErrMalformedRequestf("each filter must be a [field, op, value] triple")
		}
		field, ok := t[0].(string)
		if !ok {
			return nil, apperrors.ErrMalformedRequestf("filter field must be a string")
		}
		op, ok := t[1].(string)
		if !ok {
			return nil, apperrors.ErrMalformedRequestf("filter operator must be a string")
		}
		filters = append(filters, Filter{Field: field, Op: op, Value: t[2]})
	}
	return filters, nil
}

// jsonbPath renders a whitelisted dotted field as a jsonb path literal.
// Safe to interpolate: the field already matched fieldPattern.
func jsonbPath(field string) string {
	return "'{" + strings.ReplaceAll(field, ".", ",") + "}'"
}

// Compile renders the query to SQL plus bind args. Filters with
// non-whitelisted fields are silently dropped; unknown operators are a
// malformed-request error.
func (q Query) Compile() (string, []interface{}, error) {
	var (
		sb   strings.Builder
		args []interface{}
	)
	sb.WriteString(`SELECT id, path, data, version FROM documents WHERE workspace_id = $1 AND deleted_at IS NULL`)
	args = append(args, q.WorkspaceID)

	if q.CollectionPath != "" {
		// Exactly one level below the collection, matching list semantics.
		args = append(args, q.CollectionPath+"/%")
		fmt.Fprintf(&sb, " AND path LIKE $%d", len(args))
		args = append(args, q.CollectionPath+"/%/%")
		fmt.Fprintf(&sb, " AND path NOT LIKE $%d", len(args))
	}

	for _, f := range q.Filters {
		if !fieldPattern.MatchString(f.Field) {
			logger.Debug("Dropping filter with non-whitelisted field",
				zap.String("field", f.Field),
			)
			continue
		}
		path := jsonbPath(f.Field)
		switch f.Op {
		case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte:
			val, err := json.Marshal(f.Value)
			if err != nil {
				return "", nil, apperrors.ErrMalformedRequestf("unencodable filter value")
			}
			op := f.Op
			if op == OpEq {
				op = "="
			} else if op == OpNeq {
				op = "<>"
			}
			args = append(args, string(val))
			fmt.Fprintf(&sb, " AND (data #> %s) %s $%d::jsonb", path, op, len(args))
		case OpIn:
			val, err := json.Marshal(f.Value)
			if err != nil {
				return "", nil, apperrors.ErrMalformedRequestf("unencodable filter value")
			}
			args = append(args, string(val))
			fmt.Fprintf(&sb, " AND $%d::jsonb @> (data #> %s)", len(args), path)
		case OpArrayContains:
			val, err := json.Marshal(f.Value)
			if err != nil {
				return "", nil, apperrors.ErrMalformedRequestf("unencodable filter value")
			}
			args = append(args, string(val))
			fmt.Fprintf(&sb, " AND (data #> %s) @> $%d::jsonb", path, len(args))
		case OpLike:
			pattern, ok := f.Value.(string)
			if !ok {
				return "", nil, apperrors.ErrMalformedRequestf("LIKE filter value must be a string")
			}
			args = append(args, pattern)
			fmt.Fprintf(&sb, " AND (data #>> %s) LIKE $%d", path, len(args))
		default:
			return "", nil, apperrors.ErrMalformedRequestf("unknown filter operator: " + f.Op)
		}
	}

	if q.OrderByField != "" && fieldPattern.MatchString(q.OrderByField) {
		// Postgres sorts SQL NULL (missing field) according to the nulls
		// clause; pin NULL lowest in both directions.
		if strings.EqualFold(q.OrderDirection, "desc") {
			fmt.Fprintf(&sb, " ORDER BY (data #> %s) DESC NULLS LAST", jsonbPath(q.OrderByField))
		} else {
			fmt.Fprintf(&sb, " ORDER BY (data #> %s) ASC NULLS FIRST", jsonbPath(q.OrderByField))
		}
	}

	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}

	return sb.String(), args, nil
}

// Run executes the query against the pool.
func (q Query) Run(ctx context.Context, pool *pgxpool.Pool) ([]Result, error) {
	sql, args, err := q.Compile()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeStorageError, "query failed", 500)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Path, &r.Data, &r.Version); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeStorageError, "scan query row", 500)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

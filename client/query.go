package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
)

// Filter operators (mirroring the server's query engine).
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

type queryFilter struct {
	Field string
	Op    string
	Value interface{}
}

// Query is a fluent, immutable filter/order/limit builder over one
// collection. Builder methods return copies so a base query can fan out.
type Query struct {
	c              *Client
	collectionPath string
	err            error

	filters  []queryFilter
	orderBy  string
	orderDir string
	limit    int
}

func (q *Query) clone() *Query {
	cp := *q
	cp.filters = append([]queryFilter(nil), q.filters...)
	return &cp
}

// Where appends a filter predicate; all predicates AND together.
func (q *Query) Where(field, op string, value interface{}) *Query {
	cp := q.clone()
	cp.filters = append(cp.filters, queryFilter{Field: field, Op: op, Value: value})
	return cp
}

// OrderBy sets the sort field and direction ("asc" or "desc").
func (q *Query) OrderBy(field, direction string) *Query {
	cp := q.clone()
	cp.orderBy = field
	cp.orderDir = direction
	return cp
}

// Limit caps the result size.
func (q *Query) Limit(n int) *Query {
	cp := q.clone()
	cp.limit = n
	return cp
}

// Get executes the query on the server; when the server is unreachable and
// persistence is on, the same filter/order/limit runs locally over the
// cached documents under the collection path.
func (q *Query) Get(ctx context.Context) (*QuerySnapshot, error) {
	if q.err != nil {
		return nil, q.err
	}

	params := url.Values{}
	params.Set("workspaceId", q.c.cfg.WorkspaceID)
	params.Set("collectionPath", q.collectionPath)
	if len(q.filters) > 0 {
		triples := make([][]interface{}, 0, len(q.filters))
		for _, f := range q.filters {
			triples = append(triples, []interface{}{f.Field, f.Op, f.Value})
		}
		encoded, err := json.Marshal(triples)
		if err != nil {
			return nil, fmt.Errorf("encode filters: %w", err)
		}
		params.Set("filters", string(encoded))
	}
	if q.orderBy != "" {
		params.Set("orderByField", q.orderBy)
		params.Set("orderDirection", q.orderDir)
	}
	if q.limit > 0 {
		params.Set("limit", strconv.Itoa(q.limit))
	}

	var rows []struct {
		ID      string          `json:"id"`
		Path    string          `json:"path"`
		Data    json.RawMessage `json:"data"`
		Version int64           `json:"version"`
	}
	err := q.c.do(ctx, http.MethodGet, "/documents/query", params, nil, &rows)
	if err != nil {
		if IsNetworkError(err) && q.c.cache != nil {
			return q.getLocal()
		}
		return nil, err
	}

	snap := &QuerySnapshot{Docs: make([]*Snapshot, 0, len(rows))}
	for _, row := range rows {
		snap.Docs = append(snap.Docs, &Snapshot{
			ID:      row.ID,
			Path:    row.Path,
			Data:    row.Data,
			Version: row.Version,
		})
	}
	return snap, nil
}

// getLocal runs the query over the cache with loose (JavaScript-style)
// comparison; missing fields sort last in ascending order.
func (q *Query) getLocal() (*QuerySnapshot, error) {
	cached, err := q.c.cache.documentsUnder(q.collectionPath)
	if err != nil {
		return nil, err
	}

	snap := &QuerySnapshot{Metadata: SnapshotMetadata{FromCache: true}}
	for path, doc := range cached {
		if !q.matches(doc.Data) {
			continue
		}
		s := snapshotFromCache(path, doc)
		if s.Metadata.HasPendingWrites {
			snap.Metadata.HasPendingWrites = true
		}
		snap.Docs = append(snap.Docs, s)
	}

	if q.orderBy != "" {
		desc := q.orderDir == "desc"
		sort.SliceStable(snap.Docs, func(i, j int) bool {
			a := extractField(snap.Docs[i].Data, q.orderBy)
			b := extractField(snap.Docs[j].Data, q.orderBy)
			// Missing fields sort last regardless of direction.
			if a == nil || b == nil {
				return a != nil && b == nil
			}
			cmp, ok := compareValues(a, b)
			if !ok {
				return false
			}
			if desc {
				return cmp > 0
			}
			return cmp < 0
		})
	} else {
		sortSnapshotsByPath(snap.Docs)
	}

	if q.limit > 0 && len(snap.Docs) > q.limit {
		snap.Docs = snap.Docs[:q.limit]
	}
	return snap, nil
}

// matches evaluates every filter against the document data.
func (q *Query) matches(data json.RawMessage) bool {
	for _, f := range q.filters {
		if !matchFilter(data, f) {
			return false
		}
	}
	return true
}

func matchFilter(data json.RawMessage, f queryFilter) bool {
	field := extractField(data, f.Field)
	switch f.Op {
	case OpEq:
		return looseEqual(field, f.Value)
	case OpNeq:
		return field != nil && !looseEqual(field, f.Value)
	case OpLt, OpLte, OpGt, OpGte:
		if field == nil {
			return false
		}
		cmp, ok := compareValues(field, f.Value)
		if !ok {
			return false
		}
		switch f.Op {
		case OpLt:
			return cmp < 0
		case OpLte:
			return cmp <= 0
		case OpGt:
			return cmp > 0
		default:
			return cmp >= 0
		}
	case OpIn:
		list, ok := f.Value.([]interface{})
		if !ok {
			return false
		}
		for _, item := range list {
			if looseEqual(field, item) {
				return true
			}
		}
		return false
	case OpArrayContains:
		arr, ok := field.([]interface{})
		if !ok {
			return false
		}
		for _, item := range arr {
			if looseEqual(item, f.Value) {
				return true
			}
		}
		return false
	case OpLike:
		str, sok := field.(string)
		pattern, pok := f.Value.(string)
		if !sok || !pok {
			return false
		}
		return likeMatch(str, pattern)
	default:
		return false
	}
}

// extractField walks a dotted field path through the decoded document.
func extractField(data json.RawMessage, field string) interface{} {
	var decoded interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil
	}
	current := decoded
	for _, part := range dotSplit(field) {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = obj[part]
		if !ok {
			return nil
		}
	}
	return current
}

func dotSplit(field string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(field); i++ {
		if i == len(field) || field[i] == '.' {
			parts = append(parts, field[start:i])
			start = i + 1
		}
	}
	return parts
}

// looseEqual compares two decoded JSON values the way a dynamic client
// would: numeric values compare by magnitude, everything else by deep
// equality of its JSON form.
func looseEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}

// compareValues orders two values: numbers by magnitude, strings
// lexicographically, booleans false < true. Mixed types do not compare.
func compareValues(a, b interface{}) (int, bool) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	if as, aok := a.(string); aok {
		bs, bok := b.(string)
		if !bok {
			return 0, false
		}
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}
	if ab, aok := a.(bool); aok {
		bb, bok := b.(bool)
		if !bok {
			return 0, false
		}
		switch {
		case ab == bb:
			return 0, true
		case !ab:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// likeMatch implements SQL LIKE over strings: % matches any run, _ matches
// one character.
func likeMatch(s, pattern string) bool {
	return likeMatchAt(s, pattern, 0, 0)
}

func likeMatchAt(s, pattern string, si, pi int) bool {
	for pi < len(pattern) {
		switch pattern[pi] {
		case '%':
			// Collapse consecutive wildcards, then try every suffix.
			for pi < len(pattern) && pattern[pi] == '%' {
				pi++
			}
			if pi == len(pattern) {
				return true
			}
			for i := si; i <= len(s); i++ {
				if likeMatchAt(s, pattern, i, pi) {
					return true
				}
			}
			return false
		case '_':
			if si >= len(s) {
				return false
			}
			si++
			pi++
		default:
			if si >= len(s) || s[si] != pattern[pi] {
				return false
			}
			si++
			pi++
		}
	}
	return si == len(s)
}

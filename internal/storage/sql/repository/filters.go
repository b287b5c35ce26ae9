package repository

import (
	"strings"

	"github.com/ratchetd/ratchet/internal/domain"
)

// whereBuilder accumulates ANDed WHERE clauses with `?` placeholders.
type whereBuilder struct {
	clauses []string
	args    []any
}

func (b *whereBuilder) add(clause string, args ...any) {
	b.clauses = append(b.clauses, clause)
	b.args = append(b.args, args...)
}

// stringFilter appends a match clause for the column. An empty Match
// means exact.
func (b *whereBuilder) stringFilter(col string, f *domain.StringFilter) error {
	if f == nil {
		return nil
	}
	// The explicit ESCAPE makes the backslash escaping portable: SQLite
	// has no default escape character.
	const like = ` LIKE ? ESCAPE '\'`
	switch f.Match {
	case "", domain.MatchExact:
		b.add(col+" = ?", f.Value)
	case domain.MatchContains:
		b.add(col+like, "%"+escapeLike(f.Value)+"%")
	case domain.MatchStartsWith:
		b.add(col+like, escapeLike(f.Value)+"%")
	case domain.MatchEndsWith:
		b.add(col+like, "%"+escapeLike(f.Value))
	default:
		return domain.E(domain.KindValidation, "unknown string match mode %q for %s", f.Match, col)
	}
	return nil
}

func (b *whereBuilder) timeRange(col string, r *domain.TimeRange) {
	if r == nil {
		return
	}
	if r.After != nil {
		b.add(col+" > ?", r.After.UTC())
	}
	if r.Before != nil {
		b.add(col+" < ?", r.Before.UTC())
	}
}

// in appends a set filter; values within the field are ORed.
func in[T any](b *whereBuilder, col string, vals []T) {
	if len(vals) == 0 {
		return
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(vals)), ",")
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	b.add(col+" IN ("+placeholders+")", args...)
}

// where renders the accumulated clauses, or "" when unfiltered.
func (b *whereBuilder) where() string {
	if len(b.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.clauses, " AND ")
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

// orderClause validates the sort field against the entity's sortable
// columns and renders the ORDER BY. Unknown fields are a validation
// error, not silently ignored.
func orderClause(sort *domain.Sort, sortable map[string]struct{}, fallback string) (string, error) {
	if sort == nil || sort.Field == "" {
		return " ORDER BY " + fallback, nil
	}
	if _, ok := sortable[sort.Field]; !ok {
		return "", domain.E(domain.KindValidation, "cannot sort by unknown field %q", sort.Field)
	}
	dir := " ASC"
	if sort.Descending {
		dir = " DESC"
	}
	return " ORDER BY " + sort.Field + dir, nil
}

func limitClause(p domain.Pagination) (string, []any) {
	p = p.Normalize()
	return " LIMIT ? OFFSET ?", []any{p.Limit, p.Offset}
}

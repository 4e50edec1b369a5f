package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// listQuery accumulates WHERE conditions and positional arguments.
type listQuery struct {
	conds []string
	args  []any
}

func (q *listQuery) where(cond string, arg any) {
	q.args = append(q.args, arg)
	q.conds = append(q.conds, fmt.Sprintf(cond, len(q.args)))
}

// window adds the time bounds of opts on column.
func (q *listQuery) window(column string, opts domain.ListOpts) {
	if opts.Since != nil {
		q.where(column+" >= $%d", *opts.Since)
	}
	if opts.Until != nil {
		q.where(column+" <= $%d", *opts.Until)
	}
}

// build renders base with the collected conditions, the given ordering and
// clamped pagination.
func (q *listQuery) build(base, orderBy string, opts domain.ListOpts) (string, []any) {
	var sb strings.Builder
	sb.WriteString(base)
	if len(q.conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(q.conds, " AND "))
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(orderBy)

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	args := append(q.args, limit)
	fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}
	return sb.String(), args
}

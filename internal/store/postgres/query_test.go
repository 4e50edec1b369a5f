package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

func TestListQueryBuild(t *testing.T) {
	since := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	var q listQuery
	q.where("event = $%d", "reconciliation")
	q.window("created_at", domain.ListOpts{Since: &since})
	query, args := q.build("SELECT * FROM audit_log", "created_at DESC", domain.ListOpts{Limit: 10_000, Offset: 20})

	assert.Equal(t,
		"SELECT * FROM audit_log WHERE event = $1 AND created_at >= $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4",
		query)
	assert.Equal(t, []any{"reconciliation", since, maxListLimit, 20}, args)
}

func TestListQueryDefaults(t *testing.T) {
	var q listQuery
	query, args := q.build("SELECT id FROM executions", "id DESC", domain.ListOpts{})

	assert.Equal(t, "SELECT id FROM executions ORDER BY id DESC LIMIT $1", query)
	assert.Equal(t, []any{defaultListLimit}, args)
}

package querybuilder

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildPlainSelect(t *testing.T) {
	query, args := NewQueryBuilder("public").Select("id", "state").From("workloads").Build()

	assert.Equal(t, "SELECT id, state FROM public.workloads", query)
	assert.Empty(t, args)
}

func TestBuildWithConditionsAndOrder(t *testing.T) {
	query, args := NewQueryBuilder("").
		Select("id").
		From("workloads").
		Where("owner_id = ?", "alice").
		And("worker_id = ?", "w-1").
		OrderBy("created_at", true).
		OrderBy("id", false).
		Limit(10).
		Build()

	assert.Equal(t, "SELECT id FROM workloads WHERE owner_id = ? AND worker_id = ? ORDER BY created_at ASC, id DESC LIMIT 10", query)
	assert.Equal(t, []interface{}{"alice", "w-1"}, args)
}

func TestBuildGroupsKeepArgumentOrder(t *testing.T) {
	query, args := NewQueryBuilder("public").
		Select("id").
		From("workloads").
		Where("owner_id = ?", "alice").
		AndGroup(func(qb QueryBuilder) {
			qb.Where("state = ?", "running").Or("state = ?", "degraded")
		}).
		AndGroup(func(qb QueryBuilder) {}).
		Build()

	assert.Equal(t, "SELECT id FROM public.workloads WHERE owner_id = ? AND (state = ? OR state = ?)", query)
	assert.Equal(t, []interface{}{"alice", "running", "degraded"}, args)
}

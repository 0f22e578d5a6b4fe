package docstore

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smarttasks/internal/model"
)

func TestFilterSQL(t *testing.T) {
	cutoff := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		f    Filter
		sql  string
		args []any
	}{
		{
			name: "equality",
			f:    Eq(model.FieldProcessed, false),
			sql:  "processed = $1",
			args: []any{false},
		},
		{
			name: "urgency is stored as text",
			f:    Eq(model.FieldUrgency, model.Urgent),
			sql:  "urgency = $1",
			args: []any{"Urgent"},
		},
		{
			name: "absent urgency is null",
			f:    Eq(model.FieldUrgency, model.UrgencyNone),
			sql:  "urgency IS NULL",
		},
		{
			name: "claim lease",
			f: And{
				Eq(model.FieldEmailID, "m1"),
				Or{IsNull(model.FieldClaimedAt), Lt(model.FieldClaimedAt, cutoff)},
			},
			sql:  "(email_id = $1 AND (claimed_at IS NULL OR claimed_at < $2))",
			args: []any{"m1", cutoff},
		},
		{
			name: "in list",
			f:    In(model.FieldEmailID, []string{"a", "b"}),
			sql:  "email_id IN ($1,$2)",
			args: []any{"a", "b"},
		},
		{
			name: "empty and",
			f:    All(),
			sql:  "(1=1)",
		},
		{
			name: "not null",
			f:    NotNull(model.FieldDeadline),
			sql:  "deadline IS NOT NULL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sqlStr, args, err := psql.Select("1").Where(tt.f.Sqlizer()).ToSql()
			require.NoError(t, err)
			assert.Equal(t, "SELECT 1 WHERE "+tt.sql, sqlStr)
			if tt.args == nil {
				assert.Empty(t, args)
			} else {
				assert.Equal(t, tt.args, args)
			}
		})
	}
}

func TestFilterMatch(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-time.Hour)
	doc := &model.TaskDocument{
		EmailID:   "m1",
		HasTask:   true,
		Urgency:   model.SomewhatUrgent,
		ClaimedAt: &old,
	}

	assert.True(t, Eq(model.FieldEmailID, "m1").Match(doc))
	assert.True(t, Eq(model.FieldUrgency, model.SomewhatUrgent).Match(doc))
	assert.False(t, Eq(model.FieldUrgency, model.Urgent).Match(doc))
	assert.True(t, Ne(model.FieldUrgency, model.Urgent).Match(doc))
	assert.True(t, Lt(model.FieldClaimedAt, now).Match(doc))
	assert.False(t, Gt(model.FieldClaimedAt, now).Match(doc))
	assert.False(t, Lt(model.FieldClaimedAt, old).Match(doc))
	assert.False(t, Gt(model.FieldClaimedAt, &old).Match(doc))

	// 与 SQL 一致：比较运算遇到 NULL 都不成立
	assert.False(t, Lt(model.FieldDeadline, now).Match(doc))
	assert.False(t, Ne(model.FieldTask, "x").Match(doc))
	assert.True(t, IsNull(model.FieldDeadline).Match(doc))
	assert.True(t, Eq(model.FieldTask, nil).Match(doc))
	assert.True(t, Ne(model.FieldClaimedAt, nil).Match(doc))

	assert.True(t, In(model.FieldEmailID, []string{"x", "m1"}).Match(doc))
	assert.False(t, In(model.FieldEmailID, nil).Match(doc))

	assert.True(t, All().Match(doc))
	assert.False(t, Or{}.Match(doc))
	assert.False(t, Eq("no_such_field", 1).Match(doc))
}

func TestEqualitiesSeedUpsert(t *testing.T) {
	f := And{Eq(model.FieldEmailID, "m1"), Eq(model.FieldProcessed, false), IsNull(model.FieldClaimedAt)}
	assert.Equal(t, map[string]any{
		model.FieldEmailID:   "m1",
		model.FieldProcessed: false,
	}, equalities(f))
}

func TestUpdateOneWaitsForLockedRow(t *testing.T) {
	f := And{Eq(model.FieldEmailID, "m1"), Eq(model.FieldClaimOwner, "w1")}
	sqlStr, args, err := updateOneSQL(f, Update{model.FieldProcessed: true})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sqlStr, "UPDATE task_documents SET processed = $1, updated_at = now() WHERE email_id = (SELECT email_id FROM task_documents WHERE "))
	assert.True(t, strings.HasSuffix(sqlStr, "ORDER BY email_id LIMIT 1 FOR UPDATE)"))
	assert.NotContains(t, sqlStr, "SKIP LOCKED")
	assert.Equal(t, []any{true, "m1", "w1"}, args)
}

package sqlutil_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reduction.dev/chunkcdc/connectors/sqlutil"
	"reduction.dev/chunkcdc/keys"
)

func TestRangePredicate(t *testing.T) {
	cases := []struct {
		name string
		r    keys.Range
		ph   sqlutil.Placeholder
		sql  string
		args []any
	}{
		{"unbounded", keys.Unbounded(), sqlutil.QuestionMark, "1 = 1", nil},
		{"below includes nulls", keys.Below(keys.Int(10)), sqlutil.QuestionMark, `("id" < ? OR "id" IS NULL)`, []any{int64(10)}},
		{"at least", keys.AtLeast(keys.Int(10)), sqlutil.QuestionMark, `"id" >= ?`, []any{int64(10)}},
		{"between", keys.Between(keys.String("a"), keys.String("m")), sqlutil.Dollar, `"id" >= $3 AND "id" < $4`, []any{"a", "m"}},
		{"null lower", keys.Between(keys.Null(), keys.Int(5)), sqlutil.QuestionMark, `("id" < ? OR "id" IS NULL)`, []any{int64(5)}},
		{"below null", keys.Below(keys.Null()), sqlutil.QuestionMark, "1 = 0", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sql, args := sqlutil.RangePredicate(sqlutil.QuoteIdent("id"), tc.r, tc.ph, 3)
			assert.Equal(t, tc.sql, sql)
			assert.Equal(t, tc.args, args)
		})
	}
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"orders"`, sqlutil.QuoteIdent("orders"))
	assert.Equal(t, `"we""ird"`, sqlutil.QuoteIdent(`we"ird`))
}

func TestKeyFromSQL(t *testing.T) {
	for in, want := range map[any]keys.Value{
		int64(5): keys.Int(5),
		int32(6): keys.Int(6),
		"x":      keys.String("x"),
	} {
		got, err := sqlutil.KeyFromSQL(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	got, err := sqlutil.KeyFromSQL(nil)
	require.NoError(t, err)
	assert.True(t, got.IsNull())

	_, err = sqlutil.KeyFromSQL(1.5)
	assert.Error(t, err)
}

func TestCollate(t *testing.T) {
	assert.Equal(t, `"id"`, sqlutil.Collate(`"id"`, ""))

	key := sqlutil.Collate(`"code"`, "BINARY")
	pred, _ := sqlutil.RangePredicate(key, keys.Below(keys.String("m")), sqlutil.QuestionMark, 1)
	assert.Equal(t, `("code" COLLATE BINARY < ? OR "code" COLLATE BINARY IS NULL)`, pred)
}

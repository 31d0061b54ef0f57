package sqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"reduction.dev/chunkcdc/splits"
)

func TestColumnType(t *testing.T) {
	for declared, want := range map[string]splits.ColumnType{
		"INTEGER":      splits.TypeInteger,
		"bigint":       splits.TypeInteger,
		"VARCHAR(255)": splits.TypeText,
		"text":         splits.TypeText,
		"":             splits.TypeBlob,
		"BLOB":         splits.TypeBlob,
		"DOUBLE":       splits.TypeReal,
		"NUMERIC":      splits.TypeReal,
		"BOOLEAN":      splits.TypeBoolean,
		"JSON":         splits.TypeJSON,
	} {
		assert.Equal(t, want, columnType(declared), declared)
	}
}

func TestWithPragmas(t *testing.T) {
	assert.Equal(t, "/tmp/a.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)", withPragmas("/tmp/a.db"))
	assert.Equal(t, "file:a.db?mode=ro&_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)", withPragmas("file:a.db?mode=ro"))
	assert.Equal(t, "a.db?_pragma=foreign_keys(1)", withPragmas("a.db?_pragma=foreign_keys(1)"))
}

func TestTriggerDDLQuotesNames(t *testing.T) {
	s := New(Params{})
	ddl := s.triggerDDL(splits.Table{
		Name:        "order items",
		SplitColumn: "id",
		Columns:     []splits.Column{{Name: "id", Type: splits.TypeInteger}, {Name: "raw", Type: splits.TypeBlob}},
	})
	assert.Len(t, ddl, 3)
	assert.Contains(t, ddl[0], `chunkcdc_order_items_ai AFTER INSERT ON "order items"`)
	assert.Contains(t, ddl[0], `json_object('id', NEW."id", 'raw', lower(hex(NEW."raw")))`)
	assert.Contains(t, ddl[1], `WHERE OLD."id" IS NOT NEW."id"`)
	assert.Contains(t, ddl[2], `'delete', OLD."id", NULL`)
}

package splits

import (
	"slices"

	"reduction.dev/chunkcdc/keys"
)

// ColumnType is the logical type of a table column.
type ColumnType string

const (
	TypeInteger ColumnType = "integer"
	TypeText    ColumnType = "text"
	TypeReal    ColumnType = "real"
	TypeBlob    ColumnType = "blob"
	TypeBoolean ColumnType = "boolean"
	TypeJSON    ColumnType = "json"
)

// KeyKind returns the key kind used to order values of this type and whether
// the type can be used as a split column at all.
func (t ColumnType) KeyKind() (keys.Kind, bool) {
	switch t {
	case TypeInteger:
		return keys.KindInt, true
	case TypeText:
		return keys.KindString, true
	default:
		return keys.KindNull, false
	}
}

type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// NullOrdering declares where NULL split keys sort. Nullable split columns
// require an explicit policy.
type NullOrdering uint8

const (
	NullOrderingUndefined NullOrdering = iota
	NullsFirst
)

// Table describes a captured table.
type Table struct {
	Name         string
	Columns      []Column
	PrimaryKey   []string
	SplitColumn  string
	NullOrdering NullOrdering

	// EstimatedRows is an optional row count estimate. Zero means unknown.
	EstimatedRows int64
}

func (t Table) Column(name string) (Column, bool) {
	i := slices.IndexFunc(t.Columns, func(c Column) bool { return c.Name == name })
	if i == -1 {
		return Column{}, false
	}
	return t.Columns[i], true
}

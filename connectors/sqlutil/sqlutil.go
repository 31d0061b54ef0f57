// Package sqlutil builds the SQL shared by the database connectors.
package sqlutil

import (
	"fmt"
	"strings"

	"reduction.dev/chunkcdc/keys"
)

// Placeholder renders the nth (1-based) bind parameter.
type Placeholder func(n int) string

func QuestionMark(int) string { return "?" }

func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

// QuoteIdent quotes a table or column name with double quotes.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Collate applies collation to expr. Split keys are compared bytewise, so
// connectors order and filter text keys with a binary collation.
func Collate(expr, collation string) string {
	if collation == "" {
		return expr
	}
	return expr + " COLLATE " + collation
}

// RangePredicate returns a WHERE condition selecting the values of col in r
// and its arguments. NULL sorts before every other value, so a range without
// a non-null lower bound includes NULLs. The condition numbers its
// parameters from first.
func RangePredicate(col string, r keys.Range, ph Placeholder, first int) (string, []any) {
	var conds []string
	var args []any
	n := first

	lowerIncludesNull := r.Lower == nil || r.Lower.IsNull()
	if !lowerIncludesNull {
		conds = append(conds, fmt.Sprintf("%s >= %s", col, ph(n)))
		args = append(args, Arg(*r.Lower))
		n++
	}
	if r.Upper != nil {
		switch {
		case r.Upper.IsNull():
			// Nothing sorts below NULL
			conds = append(conds, "1 = 0")
		case lowerIncludesNull:
			conds = append(conds, fmt.Sprintf("(%s < %s OR %s IS NULL)", col, ph(n), col))
			args = append(args, Arg(*r.Upper))
		default:
			conds = append(conds, fmt.Sprintf("%s < %s", col, ph(n)))
			args = append(args, Arg(*r.Upper))
		}
	}

	if len(conds) == 0 {
		return "1 = 1", nil
	}
	return strings.Join(conds, " AND "), args
}

// Arg converts a key into a driver argument.
func Arg(v keys.Value) any {
	switch v.Kind() {
	case keys.KindInt:
		return v.Int()
	case keys.KindString:
		return v.Str()
	default:
		return nil
	}
}

// KeyFromSQL converts a scanned split column value into a key.
func KeyFromSQL(v any) (keys.Value, error) {
	switch t := v.(type) {
	case nil:
		return keys.Null(), nil
	case int64:
		return keys.Int(t), nil
	case int32:
		return keys.Int(int64(t)), nil
	case int16:
		return keys.Int(int64(t)), nil
	case int:
		return keys.Int(int64(t)), nil
	case string:
		return keys.String(t), nil
	case []byte:
		return keys.String(string(t)), nil
	default:
		return keys.Value{}, fmt.Errorf("unsupported split key type %T", v)
	}
}

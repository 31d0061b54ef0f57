package keys

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the type of a split column value.
type Kind uint8

const (
	// KindNull orders before every other value.
	KindNull Kind = iota
	KindInt
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Value is a totally ordered split column value.
type Value struct {
	kind Kind
	i    int64
	s    string
}

func Null() Value { return Value{kind: KindNull} }

func Int(i int64) Value { return Value{kind: KindInt, i: i} }

func String(s string) Value { return Value{kind: KindString, s: s} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

// Int returns the integer value. It panics for other kinds.
func (v Value) Int() int64 {
	if v.kind != KindInt {
		panic(fmt.Sprintf("keys: Int called on %s value", v.kind))
	}
	return v.i
}

// Str returns the string value. It panics for other kinds.
func (v Value) Str() string {
	if v.kind != KindString {
		panic(fmt.Sprintf("keys: Str called on %s value", v.kind))
	}
	return v.s
}

// Compare returns -1, 0 or 1. Null sorts first, then values compare within
// their kind. Mixed non-null kinds compare by kind which keeps the order
// total even though a table never mixes them.
func (v Value) Compare(o Value) int {
	if v.kind != o.kind {
		return cmp.Compare(v.kind, o.kind)
	}
	switch v.kind {
	case KindInt:
		return cmp.Compare(v.i, o.i)
	case KindString:
		return strings.Compare(v.s, o.s)
	default:
		return 0
	}
}

func (v Value) Less(o Value) bool { return v.Compare(o) < 0 }

func (v Value) Equal(o Value) bool { return v.Compare(o) == 0 }

func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindString:
		return strconv.Quote(v.s)
	default:
		return "NULL"
	}
}

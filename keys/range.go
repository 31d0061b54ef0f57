package keys

// Range is a half-open interval of split column values. A nil Lower is
// unbounded below and a nil Upper is unbounded above.
type Range struct {
	Lower *Value // inclusive
	Upper *Value // exclusive
}

// Unbounded is the range covering every value.
func Unbounded() Range { return Range{} }

func Between(lower, upper Value) Range {
	return Range{Lower: &lower, Upper: &upper}
}

func Below(upper Value) Range { return Range{Upper: &upper} }

func AtLeast(lower Value) Range { return Range{Lower: &lower} }

func (r Range) Contains(v Value) bool {
	if r.Lower != nil && v.Less(*r.Lower) {
		return false
	}
	if r.Upper != nil && !v.Less(*r.Upper) {
		return false
	}
	return true
}

func (r Range) IsUnbounded() bool {
	return r.Lower == nil && r.Upper == nil
}

func (r Range) Equal(o Range) bool {
	return boundEqual(r.Lower, o.Lower) && boundEqual(r.Upper, o.Upper)
}

func (r Range) String() string {
	lower, upper := "-inf", "+inf"
	if r.Lower != nil {
		lower = r.Lower.String()
	}
	if r.Upper != nil {
		upper = r.Upper.String()
	}
	return "[" + lower + ", " + upper + ")"
}

// Clone returns a range that shares no bound pointers with r.
func (r Range) Clone() Range {
	var out Range
	if r.Lower != nil {
		v := *r.Lower
		out.Lower = &v
	}
	if r.Upper != nil {
		v := *r.Upper
		out.Upper = &v
	}
	return out
}

func boundEqual(a, b *Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

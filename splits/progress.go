package splits

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/spaolacci/murmur3"
	"google.golang.org/protobuf/encoding/protowire"
	"reduction.dev/chunkcdc/keys"
)

// Progress is the unit of checkpoint and restore: every chunk's state plus the
// stream's position.
type Progress struct {
	Splits            []SplitState
	StreamIssued      bool
	StreamPosition    Position
	HasStreamPosition bool

	// StopPosition is the stop point resolved when the stream first started
	// with a stop mode relative to the log, so restarts keep it.
	StopPosition    Position
	HasStopPosition bool
}

// GlobalLowWatermark is the lowest low watermark of the finished chunks. ok is
// false when no chunk has finished.
func GlobalLowWatermark(states []SplitState) (low Position, ok bool) {
	for _, s := range states {
		if s.Status != StatusSnapshotDone {
			continue
		}
		if !ok || s.LowWatermark < low {
			low = s.LowWatermark
			ok = true
		}
	}
	return low, ok
}

// StreamStart is the position a stream resumed from p reads after. Events at
// or before it are never read again.
func (p *Progress) StreamStart() Position {
	low, ok := GlobalLowWatermark(p.Splits)
	switch {
	case p.HasStreamPosition && ok:
		return max(p.StreamPosition, low)
	case p.HasStreamPosition:
		return p.StreamPosition
	default:
		return low
	}
}

// Clone returns a deep copy that shares no memory with p.
func (p *Progress) Clone() *Progress {
	if p == nil {
		return nil
	}
	c := *p
	c.Splits = make([]SplitState, len(p.Splits))
	for i, s := range p.Splits {
		c.Splits[i] = s
		c.Splits[i].Chunk.Range = s.Chunk.Range.Clone()
	}
	return &c
}

// ErrCorruptProgress is returned when a progress record fails decoding or its
// integrity check.
var ErrCorruptProgress = errors.New("corrupt progress record")

var progressMagic = []byte("CDCP")

const (
	progressVersion  = 1
	checksumSeed     = 0x5eed
	headerSize       = 4 + 1 + 4 // magic, version, checksum
	fieldSplit       = 1
	fieldIssued      = 2
	fieldStreamPos   = 3
	fieldHasPos      = 4
	fieldStopPos     = 5
	fieldHasStop     = 6
	fieldSplitID     = 1
	fieldSplitTable  = 2
	fieldSplitLower  = 3
	fieldSplitUpper  = 4
	fieldSplitStatus = 5
	fieldSplitLow    = 6
	fieldSplitHigh   = 7
	fieldValueKind   = 1
	fieldValueInt    = 2
	fieldValueString = 3
)

// MarshalProgress encodes a progress record. The encoding is deterministic so
// equal records always produce equal bytes.
func MarshalProgress(p *Progress) []byte {
	var payload []byte
	for _, s := range p.Splits {
		payload = protowire.AppendTag(payload, fieldSplit, protowire.BytesType)
		payload = protowire.AppendBytes(payload, marshalSplitState(s))
	}
	payload = appendBool(payload, fieldIssued, p.StreamIssued)
	payload = protowire.AppendTag(payload, fieldStreamPos, protowire.VarintType)
	payload = protowire.AppendVarint(payload, uint64(p.StreamPosition))
	payload = appendBool(payload, fieldHasPos, p.HasStreamPosition)
	if p.HasStopPosition {
		payload = protowire.AppendTag(payload, fieldStopPos, protowire.VarintType)
		payload = protowire.AppendVarint(payload, uint64(p.StopPosition))
		payload = appendBool(payload, fieldHasStop, true)
	}

	buf := make([]byte, headerSize, headerSize+len(payload))
	copy(buf, progressMagic)
	buf[4] = progressVersion
	binary.BigEndian.PutUint32(buf[5:], murmur3.Sum32WithSeed(payload, checksumSeed))
	return append(buf, payload...)
}

// UnmarshalProgress decodes and verifies a progress record created by
// MarshalProgress.
func UnmarshalProgress(data []byte) (*Progress, error) {
	if len(data) < headerSize || !bytes.Equal(data[:4], progressMagic) {
		return nil, fmt.Errorf("%w: missing header", ErrCorruptProgress)
	}
	if data[4] != progressVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptProgress, data[4])
	}
	payload := data[headerSize:]
	if want, got := binary.BigEndian.Uint32(data[5:]), murmur3.Sum32WithSeed(payload, checksumSeed); want != got {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptProgress)
	}

	p := &Progress{}
	err := consumeFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldSplit && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			s, err := unmarshalSplitState(v)
			if err != nil {
				return 0, err
			}
			p.Splits = append(p.Splits, s)
			return n, nil
		case num == fieldIssued && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.StreamIssued = v != 0
			return n, nil
		case num == fieldStreamPos && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.StreamPosition = Position(v)
			return n, nil
		case num == fieldHasPos && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.HasStreamPosition = v != 0
			return n, nil
		case num == fieldStopPos && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.StopPosition = Position(v)
			return n, nil
		case num == fieldHasStop && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.HasStopPosition = v != 0
			return n, nil
		}
		return 0, fmt.Errorf("unexpected progress field %d", num)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptProgress, err)
	}
	return p, nil
}

func marshalSplitState(s SplitState) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSplitID, protowire.BytesType)
	b = protowire.AppendString(b, s.Chunk.ID)
	b = protowire.AppendTag(b, fieldSplitTable, protowire.BytesType)
	b = protowire.AppendString(b, s.Chunk.Table)
	if s.Chunk.Range.Lower != nil {
		b = protowire.AppendTag(b, fieldSplitLower, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalValue(*s.Chunk.Range.Lower))
	}
	if s.Chunk.Range.Upper != nil {
		b = protowire.AppendTag(b, fieldSplitUpper, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalValue(*s.Chunk.Range.Upper))
	}
	b = protowire.AppendTag(b, fieldSplitStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Status))
	b = protowire.AppendTag(b, fieldSplitLow, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.LowWatermark))
	b = protowire.AppendTag(b, fieldSplitHigh, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.HighWatermark))
	return b
}

func unmarshalSplitState(data []byte) (SplitState, error) {
	var s SplitState
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldSplitID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			s.Chunk.ID = v
			return n, nil
		case num == fieldSplitTable && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			s.Chunk.Table = v
			return n, nil
		case (num == fieldSplitLower || num == fieldSplitUpper) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			kv, err := unmarshalValue(v)
			if err != nil {
				return 0, err
			}
			if num == fieldSplitLower {
				s.Chunk.Range.Lower = &kv
			} else {
				s.Chunk.Range.Upper = &kv
			}
			return n, nil
		case num == fieldSplitStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 && v > uint64(StatusSnapshotDone) {
				return 0, fmt.Errorf("invalid status %d", v)
			}
			s.Status = Status(v)
			return n, nil
		case num == fieldSplitLow && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.LowWatermark = Position(v)
			return n, nil
		case num == fieldSplitHigh && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.HighWatermark = Position(v)
			return n, nil
		}
		return 0, fmt.Errorf("unexpected split field %d", num)
	})
	if err != nil {
		return SplitState{}, err
	}
	if s.Chunk.ID == "" {
		return SplitState{}, errors.New("split without id")
	}
	if s.Status == StatusSnapshotDone && s.LowWatermark > s.HighWatermark {
		return SplitState{}, fmt.Errorf("split %s has low watermark %d above high watermark %d", s.Chunk.ID, s.LowWatermark, s.HighWatermark)
	}
	return s, nil
}

func marshalValue(v keys.Value) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldValueKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v.Kind()))
	switch v.Kind() {
	case keys.KindInt:
		b = protowire.AppendTag(b, fieldValueInt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(v.Int()))
	case keys.KindString:
		b = protowire.AppendTag(b, fieldValueString, protowire.BytesType)
		b = protowire.AppendString(b, v.Str())
	}
	return b
}

func unmarshalValue(data []byte) (keys.Value, error) {
	var (
		kind keys.Kind
		i    int64
		s    string
	)
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldValueKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			kind = keys.Kind(v)
			return n, nil
		case num == fieldValueInt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			i = protowire.DecodeZigZag(v)
			return n, nil
		case num == fieldValueString && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			s = v
			return n, nil
		}
		return 0, fmt.Errorf("unexpected value field %d", num)
	})
	if err != nil {
		return keys.Value{}, err
	}
	switch kind {
	case keys.KindNull:
		return keys.Null(), nil
	case keys.KindInt:
		return keys.Int(i), nil
	case keys.KindString:
		return keys.String(s), nil
	default:
		return keys.Value{}, fmt.Errorf("invalid key kind %d", kind)
	}
}

// consumeFields walks the fields of a message. fn consumes one field value and
// returns the number of bytes read, or a negative protowire error length.
func consumeFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

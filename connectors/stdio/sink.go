// Package stdio writes records as JSON lines.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"reduction.dev/chunkcdc/connectors"
	"reduction.dev/chunkcdc/keys"
	"reduction.dev/chunkcdc/splits"
)

// Sink writes one JSON object per record. It is safe for concurrent use.
type Sink struct {
	mu  sync.Mutex
	out *bufio.Writer
}

type SinkConfig struct {
	// Writer defaults to stdout.
	Writer io.Writer
}

func NewSink(config SinkConfig) *Sink {
	w := config.Writer
	if w == nil {
		w = os.Stdout
	}
	return &Sink{out: bufio.NewWriter(w)}
}

type jsonRecord struct {
	Table    string          `json:"table"`
	Key      any             `json:"key"`
	Op       string          `json:"op"`
	Value    json.RawMessage `json:"value"`
	Position splits.Position `json:"position"`
	Phase    string          `json:"phase"`
}

func (s *Sink) Emit(ctx context.Context, rec splits.Record) error {
	line, err := json.Marshal(jsonRecord{
		Table:    rec.Table,
		Key:      keyJSON(rec.Key),
		Op:       rec.Op.String(),
		Value:    valueJSON(rec.Value),
		Position: rec.Position,
		Phase:    rec.Phase.String(),
	})
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

// Flush writes any buffered records.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Flush()
}

func keyJSON(k keys.Value) any {
	switch k.Kind() {
	case keys.KindInt:
		return k.Int()
	case keys.KindString:
		return k.Str()
	default:
		return nil
	}
}

// valueJSON embeds JSON row values as is and quotes anything else.
func valueJSON(v []byte) json.RawMessage {
	if v == nil {
		return json.RawMessage("null")
	}
	if json.Valid(v) {
		return v
	}
	quoted, _ := json.Marshal(string(v))
	return quoted
}

var _ connectors.Emitter = (*Sink)(nil)

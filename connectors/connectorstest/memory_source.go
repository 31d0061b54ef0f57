package connectorstest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"reduction.dev/chunkcdc/clocks"
	"reduction.dev/chunkcdc/connectors"
	"reduction.dev/chunkcdc/keys"
	"reduction.dev/chunkcdc/splits"
)

// MemorySource is an in-memory database with a change log for testing. Scans
// see the rows as they were when the scan started, like a snapshot read.
type MemorySource struct {
	// OnScanRow runs after each scanned row is handed to the caller and may
	// mutate the source to simulate concurrent writes.
	OnScanRow func(table string, row connectors.Row)

	// ScanErrors are returned by successive ScanChunk calls before any row is
	// read. A nil entry lets the call proceed.
	ScanErrors []error

	// ReadErrors are returned by successive ReadEvents calls.
	ReadErrors []error

	clock    clocks.Clock
	mu       sync.Mutex
	tables   map[string]*memoryTable
	log      []splits.ChangeEvent
	position splits.Position
	earliest splits.Position
	closed   bool
	scans    []string
}

type memoryTable struct {
	desc splits.Table
	rows map[keys.Value][]byte
}

func NewMemorySource(clock clocks.Clock) *MemorySource {
	if clock == nil {
		clock = clocks.NewSystemClock()
	}
	return &MemorySource{
		clock:  clock,
		tables: make(map[string]*memoryTable),
	}
}

// CreateTable registers a table with an integer "id" split column and a
// nullable text "value" column unless a descriptor with columns is given.
func (s *MemorySource) CreateTable(desc splits.Table) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(desc.Columns) == 0 {
		desc.Columns = []splits.Column{
			{Name: "id", Type: splits.TypeInteger},
			{Name: "value", Type: splits.TypeText, Nullable: true},
		}
		desc.PrimaryKey = []string{"id"}
	}
	s.tables[desc.Name] = &memoryTable{desc: desc, rows: make(map[keys.Value][]byte)}
}

// Load inserts rows without writing change events, like data that existed
// before capture started.
func (s *MemorySource) Load(table string, from, to int64, value func(id int64) string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.mustTable(table)
	for id := from; id <= to; id++ {
		t.rows[keys.Int(id)] = []byte(value(id))
	}
}

// Upsert writes a row and appends a change event, returning its position.
func (s *MemorySource) Upsert(table string, key keys.Value, value string) splits.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mustTable(table).rows[key] = []byte(value)
	return s.appendEvent(table, key, splits.OpUpsert, []byte(value))
}

// Delete removes a row and appends a change event, returning its position.
func (s *MemorySource) Delete(table string, key keys.Value) splits.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.mustTable(table).rows, key)
	return s.appendEvent(table, key, splits.OpDelete, nil)
}

// TrimLog drops every event at or before pos, like log retention would.
func (s *MemorySource) TrimLog(pos splits.Position) {
	s.Trim(context.Background(), pos)
}

// Trim is TrimLog reporting the number of dropped events.
func (s *MemorySource) Trim(ctx context.Context, upTo splits.Position) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.log)
	s.log = slices.DeleteFunc(s.log, func(e splits.ChangeEvent) bool { return e.Position <= upTo })
	s.earliest = max(s.earliest, upTo)
	return int64(before - len(s.log)), nil
}

// CloseLog makes ReadEvents return ErrEndOfInput once caught up.
func (s *MemorySource) CloseLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Scans lists the ranges scanned so far as "<table> <range>".
func (s *MemorySource) Scans() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.scans)
}

// Row returns the current value of a row.
func (s *MemorySource) Row(table string, key keys.Value) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.mustTable(table).rows[key]
	return string(v), ok
}

func (s *MemorySource) DescribeTable(ctx context.Context, name string) (splits.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[name]
	if !ok {
		return splits.Table{}, connectors.NewTerminalError(fmt.Errorf("table %s does not exist", name))
	}
	return t.desc, nil
}

func (s *MemorySource) KeyBounds(ctx context.Context, table splits.Table) (keys.Value, keys.Value, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := s.sortedKeys(table.Name)
	if len(sorted) == 0 {
		return keys.Value{}, keys.Value{}, false, nil
	}
	return sorted[0], sorted[len(sorted)-1], true, nil
}

func (s *MemorySource) RowCount(ctx context.Context, table splits.Table) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.mustTable(table.Name).rows)), nil
}

func (s *MemorySource) SampleKeys(ctx context.Context, table splits.Table, inverseRate int) ([]keys.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sample []keys.Value
	for i, k := range s.sortedKeys(table.Name) {
		if i%max(inverseRate, 1) == 0 {
			sample = append(sample, k)
		}
	}
	return sample, nil
}

func (s *MemorySource) ScanChunk(ctx context.Context, table splits.Table, r keys.Range, fn func(connectors.Row) error) error {
	s.mu.Lock()
	if len(s.ScanErrors) > 0 {
		err := s.ScanErrors[0]
		s.ScanErrors = s.ScanErrors[1:]
		if err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.scans = append(s.scans, table.Name+" "+r.String())

	// Copy the matching rows so the scan reads a stable view
	t := s.mustTable(table.Name)
	var view []connectors.Row
	for _, k := range s.sortedKeys(table.Name) {
		if r.Contains(k) {
			view = append(view, connectors.Row{Key: k, Value: t.rows[k]})
		}
	}
	s.mu.Unlock()

	for _, row := range view {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
		if s.OnScanRow != nil {
			s.OnScanRow(table.Name, row)
		}
	}
	return nil
}

func (s *MemorySource) CurrentPosition(ctx context.Context) (splits.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position, nil
}

func (s *MemorySource) EarliestPosition(ctx context.Context) (splits.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.earliest, nil
}

func (s *MemorySource) PositionForTime(ctx context.Context, t time.Time) (splits.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.earliest
	for _, e := range s.log {
		if !e.Timestamp.Before(t) {
			break
		}
		pos = e.Position
	}
	return pos, nil
}

func (s *MemorySource) EventsInRange(ctx context.Context, table string, r keys.Range, after, upTo splits.Position) ([]splits.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []splits.ChangeEvent
	for _, e := range s.log {
		if e.Table == table && e.Position > after && e.Position <= upTo && r.Contains(e.Key) {
			events = append(events, e)
		}
	}
	return events, nil
}

func (s *MemorySource) ReadEvents(ctx context.Context, after splits.Position, limit int) ([]splits.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.ReadErrors) > 0 {
		err := s.ReadErrors[0]
		s.ReadErrors = s.ReadErrors[1:]
		if err != nil {
			return nil, err
		}
	}

	var events []splits.ChangeEvent
	for _, e := range s.log {
		if e.Position > after {
			events = append(events, e)
			if len(events) == limit {
				break
			}
		}
	}
	if len(events) == 0 && s.closed {
		return nil, connectors.ErrEndOfInput
	}
	return events, nil
}

func (s *MemorySource) Close() error { return nil }

func (s *MemorySource) appendEvent(table string, key keys.Value, op splits.Op, value []byte) splits.Position {
	s.position++
	s.log = append(s.log, splits.ChangeEvent{
		Table:     table,
		Key:       key,
		Op:        op,
		Value:     value,
		Position:  s.position,
		Timestamp: s.clock.Now(),
	})
	return s.position
}

func (s *MemorySource) mustTable(name string) *memoryTable {
	t, ok := s.tables[name]
	if !ok {
		panic(fmt.Sprintf("MemorySource has no table %s", name))
	}
	return t
}

func (s *MemorySource) sortedKeys(table string) []keys.Value {
	return slices.SortedFunc(maps.Keys(s.mustTable(table).rows), keys.Value.Compare)
}

var (
	_ connectors.Source     = (*MemorySource)(nil)
	_ connectors.LogTrimmer = (*MemorySource)(nil)
)

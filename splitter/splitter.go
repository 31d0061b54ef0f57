// Package splitter partitions a table's key space into ordered chunks that
// cover every possible key exactly once.
package splitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"reduction.dev/chunkcdc/connectors"
	"reduction.dev/chunkcdc/keys"
	"reduction.dev/chunkcdc/splits"
)

// Strategy is how a table's chunk boundaries are chosen.
type Strategy uint8

const (
	// StrategySingle reads the whole table as one unbounded chunk.
	StrategySingle Strategy = iota
	// StrategyEven uses equal-width boundaries between min and max.
	StrategyEven
	// StrategySampled uses boundaries at evenly spaced ranks of a key sample.
	StrategySampled
)

func (s Strategy) String() string {
	switch s {
	case StrategySingle:
		return "single"
	case StrategyEven:
		return "even"
	case StrategySampled:
		return "sampled"
	default:
		return fmt.Sprintf("Strategy(%d)", s)
	}
}

type Options struct {
	ChunkSize                   int64
	EvenDistributionFactorLower float64
	EvenDistributionFactorUpper float64
	SampleShardingThreshold     int64
	InverseSamplingRate         int
}

// ErrSplitter is matched by every SplitterError.
var ErrSplitter = errors.New("cannot split table")

// SplitterError reports a table that cannot be split. It is fatal and raised
// before any reading starts.
type SplitterError struct {
	Table  string
	Reason string
}

func (e *SplitterError) Error() string {
	return fmt.Sprintf("cannot split table %s: %s", e.Table, e.Reason)
}

func (e *SplitterError) Is(target error) bool {
	return target == ErrSplitter
}

// Plan is the result of splitting one table.
type Plan struct {
	Strategy Strategy
	Chunks   []splits.Chunk
}

type Splitter struct {
	stats   connectors.Statistics
	options Options
	log     *slog.Logger
}

func New(stats connectors.Statistics, options Options, logger *slog.Logger) *Splitter {
	if logger == nil {
		logger = slog.With("instanceID", "splitter")
	}
	return &Splitter{stats: stats, options: options, log: logger}
}

// Split computes the chunks for a table. Identical table contents and
// options always produce identical chunks.
func (s *Splitter) Split(ctx context.Context, table splits.Table) (*Plan, error) {
	kind, err := validateSplitColumn(table)
	if err != nil {
		return nil, err
	}

	rows := table.EstimatedRows
	if rows <= 0 {
		if rows, err = s.stats.RowCount(ctx, table); err != nil {
			return nil, fmt.Errorf("counting rows of %s: %w", table.Name, err)
		}
	}

	if rows <= s.options.SampleShardingThreshold {
		return s.plan(table, StrategySingle, nil, rows), nil
	}

	minKey, maxKey, ok, err := s.stats.KeyBounds(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("reading key bounds of %s: %w", table.Name, err)
	}
	if !ok {
		return s.plan(table, StrategySingle, nil, rows), nil
	}
	if maxKey.Less(minKey) {
		return nil, &SplitterError{Table: table.Name, Reason: fmt.Sprintf("min key %s is above max key %s", minKey, maxKey)}
	}

	strategy := ChooseStrategy(kind, minKey, maxKey, rows, s.options)
	var boundaries []keys.Value
	switch strategy {
	case StrategyEven:
		boundaries = evenBoundaries(minKey.Int(), maxKey.Int(), rows, s.options.ChunkSize)
	case StrategySampled:
		sample, err := s.stats.SampleKeys(ctx, table, s.options.InverseSamplingRate)
		if err != nil {
			return nil, fmt.Errorf("sampling keys of %s: %w", table.Name, err)
		}
		boundaries = sampledBoundaries(sample, rows, s.options.ChunkSize)
	}

	return s.plan(table, strategy, boundaries, rows), nil
}

// ChooseStrategy decides once per table how its boundaries are computed.
// Integer keys whose distribution factor falls inside the configured bounds
// are split evenly; every other key is sampled.
func ChooseStrategy(kind keys.Kind, minKey, maxKey keys.Value, rows int64, options Options) Strategy {
	if rows <= options.SampleShardingThreshold {
		return StrategySingle
	}
	if kind != keys.KindInt || minKey.Kind() != keys.KindInt || maxKey.Kind() != keys.KindInt {
		return StrategySampled
	}
	factor := DistributionFactor(minKey.Int(), maxKey.Int(), rows)
	if factor >= options.EvenDistributionFactorLower && factor <= options.EvenDistributionFactorUpper {
		return StrategyEven
	}
	return StrategySampled
}

// DistributionFactor is the ratio of the key span to the row count. A factor
// of 1 means every key in [min, max] exists.
func DistributionFactor(minKey, maxKey, rows int64) float64 {
	if rows <= 0 {
		return 0
	}
	return (float64(maxKey) - float64(minKey) + 1) / float64(rows)
}

func (s *Splitter) plan(table splits.Table, strategy Strategy, boundaries []keys.Value, rows int64) *Plan {
	chunks := chunksFromBoundaries(table.Name, boundaries)
	s.log.Info("split table",
		"table", table.Name,
		"strategy", strategy,
		"rows", rows,
		"chunks", len(chunks))
	return &Plan{Strategy: strategy, Chunks: chunks}
}

// chunksFromBoundaries turns strictly increasing boundaries b1..bk into k+1
// chunks (-inf, b1), [b1, b2), ..., [bk, +inf).
func chunksFromBoundaries(table string, boundaries []keys.Value) []splits.Chunk {
	chunks := make([]splits.Chunk, 0, len(boundaries)+1)
	var lower *keys.Value
	for i := range boundaries {
		upper := boundaries[i]
		chunks = append(chunks, splits.Chunk{
			ID:    splits.ChunkID(table, len(chunks)),
			Table: table,
			Range: keys.Range{Lower: lower, Upper: &upper},
		})
		lower = &upper
	}
	return append(chunks, splits.Chunk{
		ID:    splits.ChunkID(table, len(chunks)),
		Table: table,
		Range: keys.Range{Lower: lower},
	})
}

// evenBoundaries returns the multiples of the chunk span strictly inside
// (minKey, maxKey). The span is the key range divided by the number of chunks
// needed to hold the rows.
func evenBoundaries(minKey, maxKey, rows, chunkSize int64) []keys.Value {
	chunkCount := ceilDiv(rows, max(chunkSize, 1))
	if chunkCount <= 1 {
		return nil
	}
	keySpan := uint64(maxKey-minKey) + 1
	span := int64(max(keySpan/uint64(chunkCount)+boolToUint(keySpan%uint64(chunkCount) != 0), 1))

	var boundaries []keys.Value
	for b := floorDiv(minKey, span)*span + span; b < maxKey && b > minKey; b += span {
		boundaries = append(boundaries, keys.Int(b))
	}
	return boundaries
}

// sampledBoundaries picks boundaries at evenly spaced ranks of an ordered
// sample so that each chunk holds about the same number of rows.
func sampledBoundaries(sample []keys.Value, rows, chunkSize int64) []keys.Value {
	sample = slices.CompactFunc(slices.Clone(sample), keys.Value.Equal)
	chunkCount := ceilDiv(rows, max(chunkSize, 1))
	if chunkCount <= 1 || len(sample) < 2 {
		return nil
	}

	var boundaries []keys.Value
	for i := int64(1); i < chunkCount; i++ {
		rank := int(i * int64(len(sample)) / chunkCount)
		if rank == 0 || rank >= len(sample) {
			continue
		}
		b := sample[rank]
		if len(boundaries) > 0 && !boundaries[len(boundaries)-1].Less(b) {
			continue
		}
		boundaries = append(boundaries, b)
	}
	return boundaries
}

// ChooseSplitColumn picks the column used to split a table: the configured
// column when set, else the only primary key column, else the first
// orderable primary key column.
func ChooseSplitColumn(table splits.Table, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	switch len(table.PrimaryKey) {
	case 0:
		return "", &SplitterError{Table: table.Name, Reason: "no primary key and no configured split column"}
	case 1:
		return table.PrimaryKey[0], nil
	}
	for _, name := range table.PrimaryKey {
		col, ok := table.Column(name)
		if !ok {
			continue
		}
		if _, orderable := col.Type.KeyKind(); orderable {
			return name, nil
		}
	}
	return "", &SplitterError{Table: table.Name, Reason: "no orderable primary key column"}
}

func validateSplitColumn(table splits.Table) (keys.Kind, error) {
	if table.SplitColumn == "" {
		return 0, &SplitterError{Table: table.Name, Reason: "no split column"}
	}
	col, ok := table.Column(table.SplitColumn)
	if !ok {
		return 0, &SplitterError{Table: table.Name, Reason: fmt.Sprintf("split column %s does not exist", table.SplitColumn)}
	}
	kind, orderable := col.Type.KeyKind()
	if !orderable {
		return 0, &SplitterError{Table: table.Name, Reason: fmt.Sprintf("split column %s has type %s which is not orderable", col.Name, col.Type)}
	}
	if col.Nullable && table.NullOrdering == splits.NullOrderingUndefined {
		return 0, &SplitterError{Table: table.Name, Reason: fmt.Sprintf("split column %s is nullable without a null ordering", col.Name)}
	}
	return kind, nil
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

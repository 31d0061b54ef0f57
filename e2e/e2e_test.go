package e2e_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"reduction.dev/chunkcdc/config"
	"reduction.dev/chunkcdc/connectors"
	"reduction.dev/chunkcdc/connectors/sqlite"
	"reduction.dev/chunkcdc/keys"
	"reduction.dev/chunkcdc/logging"
	"reduction.dev/chunkcdc/splits"
)

func TestMain(m *testing.M) {
	// Set a logger that handles instanceID prefixes
	slog.SetDefault(slog.New(logging.NewTextHandler(os.Stderr)))

	os.Exit(m.Run())
}

// newDatabase creates an orders table holding ids 1..n with amount id*10 and
// installs change capture on it.
func newDatabase(t *testing.T, n int) (*sqlite.Source, *sql.DB) {
	t.Helper()
	src := sqlite.New(sqlite.Params{DSN: filepath.Join(t.TempDir(), "shop.db"), MaxOpenConns: 8})
	t.Cleanup(func() { src.Close() })
	db, err := src.Open(t.Context())
	require.NoError(t, err)

	exec(t, db, "CREATE TABLE orders (id INTEGER PRIMARY KEY, amount INTEGER NOT NULL)")
	tx, err := db.Begin()
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		_, err := tx.Exec("INSERT INTO orders (id, amount) VALUES (?, ?)", i, i*10)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())

	table, err := src.DescribeTable(t.Context(), "orders")
	require.NoError(t, err)
	table.SplitColumn = "id"
	require.NoError(t, src.Install(t.Context(), table))
	return src, db
}

func exec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), query, args...)
	require.NoError(t, err)
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Source:      config.SourceConfig{Driver: "sqlite", DSN: "unused"},
		Tables:      []config.TableConfig{{Name: "orders"}},
		Split:       config.SplitConfig{ChunkSize: 1000},
		Stop:        config.StopConfig{Mode: config.StopLatest},
		WorkerCount: 1,
	}
	cfg.ApplyDefaults()
	return cfg
}

// tableView applies records to a map of id to amount.
type tableView struct {
	mu      sync.Mutex
	rows    map[int64]int64
	records []splits.Record
}

func newTableView() *tableView {
	return &tableView{rows: make(map[int64]int64)}
}

func (v *tableView) Emit(ctx context.Context, rec splits.Record) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.records = append(v.records, rec)
	if rec.Op == splits.OpDelete {
		delete(v.rows, rec.Key.Int())
		return nil
	}
	var row struct {
		Amount int64 `json:"amount"`
	}
	if err := json.Unmarshal(rec.Value, &row); err != nil {
		return err
	}
	v.rows[rec.Key.Int()] = row.Amount
	return nil
}

func (v *tableView) snapshot() map[int64]int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[int64]int64, len(v.rows))
	for k, a := range v.rows {
		out[k] = a
	}
	return out
}

func (v *tableView) count(phase splits.Phase) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, rec := range v.records {
		if rec.Phase == phase {
			n++
		}
	}
	return n
}

// tableContents reads the orders table as a map of id to amount.
func tableContents(t *testing.T, db *sql.DB) map[int64]int64 {
	t.Helper()
	rows, err := db.Query("SELECT id, amount FROM orders")
	require.NoError(t, err)
	defer rows.Close()

	out := make(map[int64]int64)
	for rows.Next() {
		var id, amount int64
		require.NoError(t, rows.Scan(&id, &amount))
		out[id] = amount
	}
	require.NoError(t, rows.Err())
	return out
}

// writingSource runs fn once, during the first chunk scan, to simulate writes
// racing the snapshot.
type writingSource struct {
	*sqlite.Source
	once sync.Once
	fn   func()
}

func (s *writingSource) ScanChunk(ctx context.Context, table splits.Table, r keys.Range, fn func(connectors.Row) error) error {
	return s.Source.ScanChunk(ctx, table, r, func(row connectors.Row) error {
		if err := fn(row); err != nil {
			return err
		}
		s.once.Do(s.fn)
		return nil
	})
}

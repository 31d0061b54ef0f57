// Package sqlite captures changes from a SQLite database. Row changes are
// recorded by triggers into a log table whose autoincrement id is the change
// position.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
	"reduction.dev/chunkcdc/connectors"
	"reduction.dev/chunkcdc/connectors/sqlutil"
	"reduction.dev/chunkcdc/keys"
	"reduction.dev/chunkcdc/splits"
)

type Params struct {
	DSN string

	// MaxOpenConns bounds the connection pool. Defaults to 4.
	MaxOpenConns int

	// ConnectTimeout bounds each attempt to open and ping the database.
	ConnectTimeout time.Duration

	// ConnectMaxRetries is the number of extra open attempts.
	ConnectMaxRetries int

	// LogTable names the change log table. Defaults to chunkcdc_log.
	LogTable string
}

// Source reads tables and the trigger change log of one SQLite database. The
// database is opened on first use.
type Source struct {
	params Params
	logger *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

const DefaultLogTable = "chunkcdc_log"

func New(params Params) *Source {
	if params.MaxOpenConns == 0 {
		params.MaxOpenConns = 4
	}
	if params.ConnectTimeout == 0 {
		params.ConnectTimeout = 30 * time.Second
	}
	if params.LogTable == "" {
		params.LogTable = DefaultLogTable
	}
	return &Source{
		params: params,
		logger: slog.With("instanceID", "sqlite"),
	}
}

// Open returns the database handle, opening it if needed.
func (s *Source) Open(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}

	backoff := retry.WithMaxRetries(uint64(s.params.ConnectMaxRetries), retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		db, err := s.connect(ctx)
		if err != nil {
			s.logger.Warn("connect failed", "err", err)
			if connectors.IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		s.db = db
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	return s.db, nil
}

func (s *Source) connect(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("sqlite", withPragmas(s.params.DSN))
	if err != nil {
		return nil, connectors.NewTerminalError(err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.params.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, classify(err)
	}

	db.SetMaxOpenConns(s.params.MaxOpenConns)
	db.SetMaxIdleConns(s.params.MaxOpenConns)
	return db, nil
}

// withPragmas sets a busy timeout and WAL journaling on every connection
// unless the DSN already sets pragmas.
func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)"
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Source) DescribeTable(ctx context.Context, name string) (splits.Table, error) {
	db, err := s.Open(ctx)
	if err != nil {
		return splits.Table{}, err
	}

	rows, err := db.QueryContext(ctx, "SELECT name, type, \"notnull\", pk FROM pragma_table_info(?)", name)
	if err != nil {
		return splits.Table{}, classify(err)
	}
	defer rows.Close()

	table := splits.Table{Name: name, NullOrdering: splits.NullsFirst}
	pkOrder := make(map[int]string)
	for rows.Next() {
		var col splits.Column
		var declared string
		var notNull bool
		var pk int
		if err := rows.Scan(&col.Name, &declared, &notNull, &pk); err != nil {
			return splits.Table{}, classify(err)
		}
		col.Type = columnType(declared)
		col.Nullable = !notNull && pk == 0
		table.Columns = append(table.Columns, col)
		if pk > 0 {
			pkOrder[pk] = col.Name
		}
	}
	if err := rows.Err(); err != nil {
		return splits.Table{}, classify(err)
	}
	if len(table.Columns) == 0 {
		return splits.Table{}, connectors.NewTerminalError(fmt.Errorf("table %s does not exist", name))
	}
	for i := 1; i <= len(pkOrder); i++ {
		table.PrimaryKey = append(table.PrimaryKey, pkOrder[i])
	}
	return table, nil
}

// columnType maps a declared type to a column type following SQLite's type
// affinity rules.
func columnType(declared string) splits.ColumnType {
	t := strings.ToUpper(declared)
	switch {
	case strings.Contains(t, "BOOL"):
		return splits.TypeBoolean
	case strings.Contains(t, "JSON"):
		return splits.TypeJSON
	case strings.Contains(t, "INT"):
		return splits.TypeInteger
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return splits.TypeText
	case t == "", strings.Contains(t, "BLOB"):
		return splits.TypeBlob
	default:
		return splits.TypeReal
	}
}

// keyExpr is the split column under BINARY collation, so columns declared
// with NOCASE or RTRIM still order like keys.Value.
func keyExpr(table splits.Table) string {
	return sqlutil.Collate(sqlutil.QuoteIdent(table.SplitColumn), "BINARY")
}

func (s *Source) KeyBounds(ctx context.Context, table splits.Table) (keys.Value, keys.Value, bool, error) {
	db, err := s.Open(ctx)
	if err != nil {
		return keys.Value{}, keys.Value{}, false, err
	}

	col := keyExpr(table)
	query := fmt.Sprintf("SELECT COUNT(*), COUNT(%[1]s), MIN(%[1]s), MAX(%[1]s) FROM %[2]s", col, sqlutil.QuoteIdent(table.Name))
	var total, nonNull int64
	var lo, hi any
	if err := db.QueryRowContext(ctx, query).Scan(&total, &nonNull, &lo, &hi); err != nil {
		return keys.Value{}, keys.Value{}, false, classify(err)
	}
	if total == 0 {
		return keys.Value{}, keys.Value{}, false, nil
	}

	// MIN skips NULL but NULL keys sort first
	if nonNull < total {
		lo = nil
	}
	minKey, err := sqlutil.KeyFromSQL(lo)
	if err != nil {
		return keys.Value{}, keys.Value{}, false, connectors.NewTerminalError(err)
	}
	maxKey, err := sqlutil.KeyFromSQL(hi)
	if err != nil {
		return keys.Value{}, keys.Value{}, false, connectors.NewTerminalError(err)
	}
	return minKey, maxKey, true, nil
}

func (s *Source) RowCount(ctx context.Context, table splits.Table) (int64, error) {
	db, err := s.Open(ctx)
	if err != nil {
		return 0, err
	}

	var n int64
	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+sqlutil.QuoteIdent(table.Name)).Scan(&n)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (s *Source) SampleKeys(ctx context.Context, table splits.Table, inverseRate int) ([]keys.Value, error) {
	db, err := s.Open(ctx)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT k FROM (
    SELECT %[1]s AS k, ROW_NUMBER() OVER (ORDER BY %[2]s) AS rn FROM %[3]s
) WHERE (rn - 1) %% ? = 0 ORDER BY rn`, sqlutil.QuoteIdent(table.SplitColumn), keyExpr(table), sqlutil.QuoteIdent(table.Name))
	rows, err := db.QueryContext(ctx, query, max(inverseRate, 1))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var sample []keys.Value
	for rows.Next() {
		var raw any
		if err := rows.Scan(&raw); err != nil {
			return nil, classify(err)
		}
		key, err := sqlutil.KeyFromSQL(raw)
		if err != nil {
			return nil, connectors.NewTerminalError(err)
		}
		sample = append(sample, key)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return sample, nil
}

// ScanChunk reads a range inside one transaction so every row comes from the
// same snapshot of the database.
func (s *Source) ScanChunk(ctx context.Context, table splits.Table, r keys.Range, fn func(connectors.Row) error) error {
	db, err := s.Open(ctx)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	key := keyExpr(table)
	pred, args := sqlutil.RangePredicate(key, r, sqlutil.QuestionMark, 1)
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s ORDER BY %s",
		sqlutil.QuoteIdent(table.SplitColumn), rowJSON(table.Columns, ""), sqlutil.QuoteIdent(table.Name), pred, key)
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw any
		var value []byte
		if err := rows.Scan(&raw, &value); err != nil {
			return classify(err)
		}
		key, err := sqlutil.KeyFromSQL(raw)
		if err != nil {
			return connectors.NewTerminalError(err)
		}
		if err := fn(connectors.Row{Key: key, Value: value}); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return classify(err)
	}
	return nil
}

// rowJSON renders a json_object expression over every column. BLOB columns
// are hex encoded because JSON cannot hold them.
func rowJSON(columns []splits.Column, alias string) string {
	parts := make([]string, 0, len(columns))
	for _, c := range columns {
		ref := sqlutil.QuoteIdent(c.Name)
		if alias != "" {
			ref = alias + "." + ref
		}
		if c.Type == splits.TypeBlob {
			ref = "lower(hex(" + ref + "))"
		}
		parts = append(parts, quoteLiteral(c.Name)+", "+ref)
	}
	return "json_object(" + strings.Join(parts, ", ") + ")"
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// classify marks lock contention and I/O errors as retryable. Every other
// database error is terminal.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR:
			return connectors.NewRetryableError(err)
		}
		return connectors.NewTerminalError(err)
	}
	return err
}

var (
	_ connectors.Source     = (*Source)(nil)
	_ connectors.LogTrimmer = (*Source)(nil)
)

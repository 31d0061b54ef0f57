// Package postgres captures changes from a PostgreSQL database through a
// trigger-maintained change log table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"
	"reduction.dev/chunkcdc/connectors"
	"reduction.dev/chunkcdc/connectors/sqlutil"
	"reduction.dev/chunkcdc/keys"
	"reduction.dev/chunkcdc/splits"
)

type Params struct {
	DSN string

	// MaxConns bounds the pool. Defaults to 4.
	MaxConns int

	ConnectTimeout    time.Duration
	ConnectMaxRetries int

	// Schema holds the captured tables and the log. Defaults to public.
	Schema string

	// LogTable defaults to chunkcdc_log.
	LogTable string
}

// Source reads tables and the change log of one database through a
// connection pool created on first use.
type Source struct {
	params Params
	logger *slog.Logger

	mu   sync.Mutex
	pool *pgxpool.Pool
}

const DefaultLogTable = "chunkcdc_log"

func New(params Params) *Source {
	if params.MaxConns == 0 {
		params.MaxConns = 4
	}
	if params.ConnectTimeout == 0 {
		params.ConnectTimeout = 30 * time.Second
	}
	if params.Schema == "" {
		params.Schema = "public"
	}
	if params.LogTable == "" {
		params.LogTable = DefaultLogTable
	}
	return &Source{
		params: params,
		logger: slog.With("instanceID", "postgres"),
	}
}

// Open returns the connection pool, creating it if needed.
func (s *Source) Open(ctx context.Context) (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		return s.pool, nil
	}

	cfg, err := pgxpool.ParseConfig(s.params.DSN)
	if err != nil {
		return nil, connectors.NewTerminalError(fmt.Errorf("parse postgres dsn: %w", err))
	}
	cfg.MaxConns = int32(s.params.MaxConns)
	cfg.ConnConfig.ConnectTimeout = s.params.ConnectTimeout

	backoff := retry.WithMaxRetries(uint64(s.params.ConnectMaxRetries), retry.NewExponential(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			err = pool.Ping(ctx)
			if err != nil {
				pool.Close()
			}
		}
		if err != nil {
			err = classify(err)
			s.logger.Warn("connect failed", "err", err)
			if connectors.IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		s.pool = pool
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return s.pool, nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

// qualified returns the schema qualified, quoted name of a relation.
func (s *Source) qualified(name string) string {
	return sqlutil.QuoteIdent(s.params.Schema) + "." + sqlutil.QuoteIdent(name)
}

const describeColumnsSQL = `SELECT column_name, data_type, is_nullable = 'YES'
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`

const describePrimaryKeySQL = `SELECT a.attname
FROM pg_index i
JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
WHERE i.indrelid = $1::regclass AND i.indisprimary
ORDER BY array_position(i.indkey::int2[], a.attnum)`

const estimatedRowsSQL = `SELECT GREATEST(reltuples, 0)::bigint FROM pg_class WHERE oid = $1::regclass`

func (s *Source) DescribeTable(ctx context.Context, name string) (splits.Table, error) {
	pool, err := s.Open(ctx)
	if err != nil {
		return splits.Table{}, err
	}

	rows, err := pool.Query(ctx, describeColumnsSQL, s.params.Schema, name)
	if err != nil {
		return splits.Table{}, classify(err)
	}
	table := splits.Table{Name: name, NullOrdering: splits.NullsFirst}
	for rows.Next() {
		var col splits.Column
		var dataType string
		if err := rows.Scan(&col.Name, &dataType, &col.Nullable); err != nil {
			rows.Close()
			return splits.Table{}, classify(err)
		}
		col.Type = columnType(dataType)
		table.Columns = append(table.Columns, col)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return splits.Table{}, classify(err)
	}
	if len(table.Columns) == 0 {
		return splits.Table{}, connectors.NewTerminalError(fmt.Errorf("table %s.%s does not exist", s.params.Schema, name))
	}

	pkRows, err := pool.Query(ctx, describePrimaryKeySQL, s.qualified(name))
	if err != nil {
		return splits.Table{}, classify(err)
	}
	table.PrimaryKey, err = pgx.CollectRows(pkRows, pgx.RowTo[string])
	if err != nil {
		return splits.Table{}, classify(err)
	}
	if err := pool.QueryRow(ctx, estimatedRowsSQL, s.qualified(name)).Scan(&table.EstimatedRows); err != nil {
		return splits.Table{}, classify(err)
	}
	return table, nil
}

// columnType maps an information_schema data type to a column type.
func columnType(dataType string) splits.ColumnType {
	switch strings.ToLower(dataType) {
	case "smallint", "integer", "bigint":
		return splits.TypeInteger
	case "text", "character varying", "character", "name":
		return splits.TypeText
	case "real", "double precision", "numeric":
		return splits.TypeReal
	case "boolean":
		return splits.TypeBoolean
	case "json", "jsonb":
		return splits.TypeJSON
	default:
		return splits.TypeBlob
	}
}

// keyExpr orders text split keys under the "C" collation so the database
// sorts and filters them bytewise like keys.Value. Other types have no
// collation.
func keyExpr(table splits.Table, ref string) string {
	if col, ok := table.Column(table.SplitColumn); ok && col.Type == splits.TypeText {
		return sqlutil.Collate(ref, `"C"`)
	}
	return ref
}

func (s *Source) KeyBounds(ctx context.Context, table splits.Table) (keys.Value, keys.Value, bool, error) {
	pool, err := s.Open(ctx)
	if err != nil {
		return keys.Value{}, keys.Value{}, false, err
	}

	query := boundsSQL(keyExpr(table, sqlutil.QuoteIdent(table.SplitColumn)), s.qualified(table.Name))
	var total, nonNull int64
	var lo, hi any
	if err := pool.QueryRow(ctx, query).Scan(&total, &nonNull, &lo, &hi); err != nil {
		return keys.Value{}, keys.Value{}, false, classify(err)
	}
	if total == 0 {
		return keys.Value{}, keys.Value{}, false, nil
	}
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
	pool, err := s.Open(ctx)
	if err != nil {
		return 0, err
	}

	var n int64
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+s.qualified(table.Name)).Scan(&n); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func boundsSQL(key, table string) string {
	return fmt.Sprintf("SELECT COUNT(*), COUNT(%[1]s), MIN(%[1]s), MAX(%[1]s) FROM %[2]s", key, table)
}

func sampleSQL(col, key, table string) string {
	return fmt.Sprintf(`SELECT k FROM (
    SELECT %[1]s AS k, ROW_NUMBER() OVER (ORDER BY %[2]s NULLS FIRST) AS rn FROM %[3]s
) sampled WHERE (rn - 1) %% $1 = 0 ORDER BY rn`, col, key, table)
}

func (s *Source) SampleKeys(ctx context.Context, table splits.Table, inverseRate int) ([]keys.Value, error) {
	pool, err := s.Open(ctx)
	if err != nil {
		return nil, err
	}

	col := sqlutil.QuoteIdent(table.SplitColumn)
	rows, err := pool.Query(ctx, sampleSQL(col, keyExpr(table, col), s.qualified(table.Name)), max(inverseRate, 1))
	if err != nil {
		return nil, classify(err)
	}
	sample, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (keys.Value, error) {
		var raw any
		if err := row.Scan(&raw); err != nil {
			return keys.Value{}, err
		}
		return sqlutil.KeyFromSQL(raw)
	})
	if err != nil {
		return nil, classify(err)
	}
	return sample, nil
}

func scanSQL(col, key, table, pred string) string {
	return fmt.Sprintf("SELECT %s, row_to_json(t)::text FROM %s t WHERE %s ORDER BY %s NULLS FIRST", col, table, pred, key)
}

// ScanChunk reads a range in a read-only repeatable read transaction so all
// rows come from one snapshot.
func (s *Source) ScanChunk(ctx context.Context, table splits.Table, r keys.Range, fn func(connectors.Row) error) error {
	pool, err := s.Open(ctx)
	if err != nil {
		return err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	col := "t." + sqlutil.QuoteIdent(table.SplitColumn)
	key := keyExpr(table, col)
	pred, args := sqlutil.RangePredicate(key, r, sqlutil.Dollar, 1)
	rows, err := tx.Query(ctx, scanSQL(col, key, s.qualified(table.Name), pred), args...)
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
	return classify(rows.Err())
}

// classify marks connection failures, serialization conflicts and resource
// exhaustion as retryable. Other server errors are terminal.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			pgErr.Code == "40001",               // serialization failure
			pgErr.Code == "40P01",               // deadlock detected
			pgErr.Code == "57P01",               // admin shutdown
			pgErr.Code == "57P03":               // cannot connect now
			return connectors.NewRetryableError(err)
		}
		return connectors.NewTerminalError(err)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return connectors.NewRetryableError(err)
	}
	return err
}

var (
	_ connectors.Source     = (*Source)(nil)
	_ connectors.LogTrimmer = (*Source)(nil)
)

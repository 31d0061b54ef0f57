package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/spaolacci/murmur3"
	"reduction.dev/chunkcdc/connectors"
	"reduction.dev/chunkcdc/connectors/sqlutil"
	"reduction.dev/chunkcdc/keys"
	"reduction.dev/chunkcdc/splits"
)

// logTableDDL creates the log. Positions come from a sequence and writers
// hold the capture lock from drawing a position until commit, so positions
// become visible in order.
func (s *Source) logTableDDL() []string {
	log := s.qualified(s.params.LogTable)
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + log + ` (
    position   BIGSERIAL PRIMARY KEY,
    table_name TEXT NOT NULL,
    op         TEXT NOT NULL,
    row_key    JSONB,
    payload    TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
)`,
		`CREATE INDEX IF NOT EXISTS ` + sqlutil.QuoteIdent(s.params.LogTable+"_table_idx") +
			` ON ` + log + ` (table_name, position)`,
	}
}

// captureLockKey names the transaction level advisory lock taken by every
// logged write and by CurrentPosition.
func (s *Source) captureLockKey() int64 {
	return int64(murmur3.Sum64([]byte(s.qualified(s.params.LogTable))))
}

var unsafeIdent = regexp.MustCompile(`[^A-Za-z0-9_]`)

// triggerDDL returns a trigger function and an AFTER INSERT OR UPDATE OR
// DELETE trigger recording changes of table. An update changing the split key
// is logged as a delete of the old key and an upsert of the new one.
func (s *Source) triggerDDL(table splits.Table) []string {
	log := s.qualified(s.params.LogTable)
	target := s.qualified(table.Name)
	key := sqlutil.QuoteIdent(table.SplitColumn)
	base := "chunkcdc_" + unsafeIdent.ReplaceAllString(table.Name, "_")
	function := s.qualified(base + "_capture")

	fn := fmt.Sprintf(`CREATE OR REPLACE FUNCTION %[1]s() RETURNS trigger AS $$
BEGIN
    PERFORM pg_advisory_xact_lock(%[5]d);
    IF TG_OP = 'DELETE' OR (TG_OP = 'UPDATE' AND OLD.%[2]s IS DISTINCT FROM NEW.%[2]s) THEN
        INSERT INTO %[3]s(table_name, op, row_key, payload) VALUES (%[4]s, 'delete', to_jsonb(OLD.%[2]s), NULL);
    END IF;
    IF TG_OP <> 'DELETE' THEN
        INSERT INTO %[3]s(table_name, op, row_key, payload) VALUES (%[4]s, 'upsert', to_jsonb(NEW.%[2]s), row_to_json(NEW)::text);
    END IF;
    RETURN NULL;
END
$$ LANGUAGE plpgsql`, function, key, log, quoteLiteral(table.Name), s.captureLockKey())

	trigger := sqlutil.QuoteIdent(base)
	return []string{
		fn,
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, trigger, target),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s()`, trigger, target, function),
	}
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Install creates the change log table and the trigger capturing table.
func (s *Source) Install(ctx context.Context, table splits.Table) error {
	pool, err := s.Open(ctx)
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, stmt := range append(s.logTableDDL(), s.triggerDDL(table)...) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("install change capture on %s: %w", table.Name, classify(err))
	}
	s.logger.Info("installed change capture", "table", table.Name)
	return nil
}

// Trim deletes logged events at or before upTo.
func (s *Source) Trim(ctx context.Context, upTo splits.Position) (int64, error) {
	pool, err := s.Open(ctx)
	if err != nil {
		return 0, err
	}

	tag, err := pool.Exec(ctx, "DELETE FROM "+s.qualified(s.params.LogTable)+" WHERE position <= $1", int64(upTo))
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

func (s *Source) currentPositionSQL() string {
	seq := s.qualified(s.params.LogTable + "_position_seq")
	return "SELECT CASE WHEN is_called THEN last_value ELSE 0 END FROM " + seq
}

// CurrentPosition waits for the capture lock, so every position it returns
// belongs to a committed or rolled back write.
func (s *Source) CurrentPosition(ctx context.Context) (splits.Position, error) {
	pool, err := s.Open(ctx)
	if err != nil {
		return 0, err
	}

	var pos int64
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", s.captureLockKey()); err != nil {
			return err
		}
		return tx.QueryRow(ctx, s.currentPositionSQL()).Scan(&pos)
	})
	if err != nil {
		return 0, classify(err)
	}
	return splits.Position(pos), nil
}

func (s *Source) EarliestPosition(ctx context.Context) (splits.Position, error) {
	pool, err := s.Open(ctx)
	if err != nil {
		return 0, err
	}

	var lowest *int64
	if err := pool.QueryRow(ctx, "SELECT MIN(position) FROM "+s.qualified(s.params.LogTable)).Scan(&lowest); err != nil {
		return 0, classify(err)
	}
	if lowest == nil {
		return s.CurrentPosition(ctx)
	}
	return splits.Position(*lowest - 1), nil
}

func (s *Source) PositionForTime(ctx context.Context, t time.Time) (splits.Position, error) {
	pool, err := s.Open(ctx)
	if err != nil {
		return 0, err
	}

	var pos *int64
	query := "SELECT MAX(position) FROM " + s.qualified(s.params.LogTable) + " WHERE created_at < $1"
	if err := pool.QueryRow(ctx, query, t).Scan(&pos); err != nil {
		return 0, classify(err)
	}
	if pos == nil {
		return s.EarliestPosition(ctx)
	}
	return splits.Position(*pos), nil
}

const eventColumns = "position, table_name, op, jsonb_typeof(row_key), row_key #>> '{}', payload, created_at"

// EventsInRange filters keys after reading because log keys of different
// tables share one JSONB column.
func (s *Source) EventsInRange(ctx context.Context, table string, r keys.Range, after, upTo splits.Position) ([]splits.ChangeEvent, error) {
	pool, err := s.Open(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + eventColumns + " FROM " + s.qualified(s.params.LogTable) +
		" WHERE table_name = $1 AND position > $2 AND position <= $3 ORDER BY position"
	events, err := s.queryEvents(ctx, pool, query, table, int64(after), int64(upTo))
	if err != nil {
		return nil, err
	}

	inRange := events[:0]
	for _, e := range events {
		if r.Contains(e.Key) {
			inRange = append(inRange, e)
		}
	}
	return inRange, nil
}

// ReadEvents never returns ErrEndOfInput.
func (s *Source) ReadEvents(ctx context.Context, after splits.Position, limit int) ([]splits.ChangeEvent, error) {
	pool, err := s.Open(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + eventColumns + " FROM " + s.qualified(s.params.LogTable) +
		" WHERE position > $1 ORDER BY position LIMIT $2"
	return s.queryEvents(ctx, pool, query, int64(after), limit)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Source) queryEvents(ctx context.Context, q querier, query string, args ...any) ([]splits.ChangeEvent, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (splits.ChangeEvent, error) {
		var (
			e       splits.ChangeEvent
			pos     int64
			op      string
			keyType *string
			keyText *string
			payload *string
		)
		if err := row.Scan(&pos, &e.Table, &op, &keyType, &keyText, &payload, &e.Timestamp); err != nil {
			return e, err
		}
		e.Position = splits.Position(pos)
		if op == "delete" {
			e.Op = splits.OpDelete
		}
		if payload != nil {
			e.Value = []byte(*payload)
		}
		key, err := decodeKey(keyType, keyText)
		if err != nil {
			return e, connectors.NewTerminalError(fmt.Errorf("log position %d: %w", pos, err))
		}
		e.Key = key
		return e, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return events, nil
}

// decodeKey converts a JSONB key rendered as its type and text.
func decodeKey(jsonType, text *string) (keys.Value, error) {
	if jsonType == nil || *jsonType == "null" || text == nil {
		return keys.Null(), nil
	}
	switch *jsonType {
	case "number":
		i, err := strconv.ParseInt(*text, 10, 64)
		if err != nil {
			return keys.Value{}, fmt.Errorf("split key %s is not an integer", *text)
		}
		return keys.Int(i), nil
	case "string":
		return keys.String(*text), nil
	default:
		return keys.Value{}, fmt.Errorf("unsupported split key type %s", *jsonType)
	}
}

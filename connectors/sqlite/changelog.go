package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"reduction.dev/chunkcdc/connectors"
	"reduction.dev/chunkcdc/connectors/sqlutil"
	"reduction.dev/chunkcdc/keys"
	"reduction.dev/chunkcdc/splits"
)

// timeLayout matches strftime('%Y-%m-%dT%H:%M:%fZ') so timestamps compare as
// text.
const timeLayout = "2006-01-02T15:04:05.000Z"

func (s *Source) logTableDDL() []string {
	log := sqlutil.QuoteIdent(s.params.LogTable)
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + log + ` (
    position   INTEGER PRIMARY KEY AUTOINCREMENT,
    table_name TEXT NOT NULL,
    op         TEXT NOT NULL,
    row_key,
    payload    TEXT,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
)`,
		`CREATE INDEX IF NOT EXISTS ` + sqlutil.QuoteIdent(s.params.LogTable+"_table_idx") +
			` ON ` + log + ` (table_name, position)`,
	}
}

var unsafeIdent = regexp.MustCompile(`[^A-Za-z0-9_]`)

// triggerDDL returns the AFTER INSERT, UPDATE and DELETE triggers recording
// changes of table into the log. An update that changes the split key is
// logged as a delete of the old key followed by an upsert of the new one.
func (s *Source) triggerDDL(table splits.Table) []string {
	log := sqlutil.QuoteIdent(s.params.LogTable)
	target := sqlutil.QuoteIdent(table.Name)
	name := quoteLiteral(table.Name)
	key := sqlutil.QuoteIdent(table.SplitColumn)
	base := "chunkcdc_" + unsafeIdent.ReplaceAllString(table.Name, "_")

	insert := fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_ai AFTER INSERT ON %[2]s
BEGIN
    INSERT INTO %[3]s(table_name, op, row_key, payload) VALUES (%[4]s, 'upsert', NEW.%[5]s, %[6]s);
END`, base, target, log, name, key, rowJSON(table.Columns, "NEW"))

	update := fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_au AFTER UPDATE ON %[2]s
BEGIN
    INSERT INTO %[3]s(table_name, op, row_key, payload)
        SELECT %[4]s, 'delete', OLD.%[5]s, NULL WHERE OLD.%[5]s IS NOT NEW.%[5]s;
    INSERT INTO %[3]s(table_name, op, row_key, payload) VALUES (%[4]s, 'upsert', NEW.%[5]s, %[6]s);
END`, base, target, log, name, key, rowJSON(table.Columns, "NEW"))

	del := fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_ad AFTER DELETE ON %[2]s
BEGIN
    INSERT INTO %[3]s(table_name, op, row_key, payload) VALUES (%[4]s, 'delete', OLD.%[5]s, NULL);
END`, base, target, log, name, key)

	return []string{insert, update, del}
}

// Install creates the change log table and the triggers capturing table.
// Changes made before Install are not in the log.
func (s *Source) Install(ctx context.Context, table splits.Table) error {
	db, err := s.Open(ctx)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	for _, stmt := range append(s.logTableDDL(), s.triggerDDL(table)...) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("install change capture on %s: %w", table.Name, classify(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	s.logger.Info("installed change capture", "table", table.Name)
	return nil
}

// Trim deletes logged events at or before upTo.
func (s *Source) Trim(ctx context.Context, upTo splits.Position) (int64, error) {
	db, err := s.Open(ctx)
	if err != nil {
		return 0, err
	}

	res, err := db.ExecContext(ctx, "DELETE FROM "+sqlutil.QuoteIdent(s.params.LogTable)+" WHERE position <= ?", int64(upTo))
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

// CurrentPosition reads the autoincrement sequence, which survives trimming.
func (s *Source) CurrentPosition(ctx context.Context) (splits.Position, error) {
	db, err := s.Open(ctx)
	if err != nil {
		return 0, err
	}
	return s.currentPosition(ctx, db)
}

func (s *Source) currentPosition(ctx context.Context, db *sql.DB) (splits.Position, error) {
	var seq int64
	err := db.QueryRowContext(ctx, "SELECT seq FROM sqlite_sequence WHERE name = ?", s.params.LogTable).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, classify(err)
	}
	return splits.Position(seq), nil
}

func (s *Source) EarliestPosition(ctx context.Context) (splits.Position, error) {
	db, err := s.Open(ctx)
	if err != nil {
		return 0, err
	}

	var lowest sql.NullInt64
	err = db.QueryRowContext(ctx, "SELECT MIN(position) FROM "+sqlutil.QuoteIdent(s.params.LogTable)).Scan(&lowest)
	if err != nil {
		return 0, classify(err)
	}
	if !lowest.Valid {
		// Everything written so far is trimmed
		return s.currentPosition(ctx, db)
	}
	return splits.Position(lowest.Int64 - 1), nil
}

func (s *Source) PositionForTime(ctx context.Context, t time.Time) (splits.Position, error) {
	db, err := s.Open(ctx)
	if err != nil {
		return 0, err
	}

	var pos sql.NullInt64
	query := "SELECT MAX(position) FROM " + sqlutil.QuoteIdent(s.params.LogTable) + " WHERE created_at < ?"
	if err := db.QueryRowContext(ctx, query, t.UTC().Format(timeLayout)).Scan(&pos); err != nil {
		return 0, classify(err)
	}
	if !pos.Valid {
		return s.EarliestPosition(ctx)
	}
	return splits.Position(pos.Int64), nil
}

func (s *Source) EventsInRange(ctx context.Context, table string, r keys.Range, after, upTo splits.Position) ([]splits.ChangeEvent, error) {
	db, err := s.Open(ctx)
	if err != nil {
		return nil, err
	}

	pred, args := sqlutil.RangePredicate(sqlutil.Collate("row_key", "BINARY"), r, sqlutil.QuestionMark, 4)
	query := "SELECT position, table_name, op, row_key, payload, created_at FROM " + sqlutil.QuoteIdent(s.params.LogTable) +
		" WHERE table_name = ? AND position > ? AND position <= ? AND " + pred + " ORDER BY position"
	return s.queryEvents(ctx, db, query, append([]any{table, int64(after), int64(upTo)}, args...)...)
}

// ReadEvents never returns ErrEndOfInput because triggers keep appending to
// the log.
func (s *Source) ReadEvents(ctx context.Context, after splits.Position, limit int) ([]splits.ChangeEvent, error) {
	db, err := s.Open(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT position, table_name, op, row_key, payload, created_at FROM " + sqlutil.QuoteIdent(s.params.LogTable) +
		" WHERE position > ? ORDER BY position LIMIT ?"
	return s.queryEvents(ctx, db, query, int64(after), limit)
}

func (s *Source) queryEvents(ctx context.Context, db *sql.DB, query string, args ...any) ([]splits.ChangeEvent, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var events []splits.ChangeEvent
	for rows.Next() {
		var (
			e         splits.ChangeEvent
			pos       int64
			op        string
			rawKey    any
			createdAt string
		)
		if err := rows.Scan(&pos, &e.Table, &op, &rawKey, &e.Value, &createdAt); err != nil {
			return nil, classify(err)
		}
		e.Position = splits.Position(pos)
		if op == "delete" {
			e.Op = splits.OpDelete
		}
		if e.Key, err = sqlutil.KeyFromSQL(rawKey); err != nil {
			return nil, connectors.NewTerminalError(err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, connectors.NewTerminalError(fmt.Errorf("log position %d: %w", pos, err))
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return events, nil
}

package source

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultSQLQuery reads course-add events newest first. It must take the page
// limit and offset as its last two parameters and return program, course,
// grouping key and timestamp.
const DefaultSQLQuery = `SELECT program, course, group_key, ts
	FROM course_events
	WHERE message = ?
	ORDER BY ts DESC, rowid DESC
	LIMIT ? OFFSET ?`

// SQLSource reads records from a SQLite event table.
type SQLSource struct {
	db    *sql.DB
	query string
	args  []any
}

// NewSQLSource opens or creates the event database at dbPath. An empty query
// uses DefaultSQLQuery.
func NewSQLSource(dbPath, query string) (*SQLSource, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open event database: %w", err)
	}
	if err := initEventSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	s := &SQLSource{db: db, query: query}
	if query == "" {
		s.query = DefaultSQLQuery
		s.args = []any{DefaultObservationMessage}
	}
	return s, nil
}

func initEventSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS course_events (
		program TEXT NOT NULL,
		course TEXT NOT NULL,
		group_key TEXT NOT NULL,
		message TEXT NOT NULL,
		ts INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_course_events_ts ON course_events(ts);
	`
	_, err := db.Exec(schema)
	return err
}

// Append stores records as course-add events.
func (s *SQLSource) Append(ctx context.Context, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO course_events (program, course, group_key, message, ts) VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.Program, r.Course, r.GroupKey, DefaultObservationMessage, r.Timestamp); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Fetch implements RecordSource. The cursor is the row offset into the query.
func (s *SQLSource) Fetch(ctx context.Context, cursor string, limit int) (Page, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("invalid sql cursor %q", cursor)
		}
		offset = n
	}
	args := append(append([]any{}, s.args...), limit, offset)
	rows, err := s.db.QueryContext(ctx, s.query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("%w: query events: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Program, &r.Course, &r.GroupKey, &r.Timestamp); err != nil {
			return Page{}, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}
	return Page{
		Records: records,
		Cursor:  strconv.Itoa(offset + len(records)),
		Done:    len(records) < limit,
	}, nil
}

// Close closes the database connection.
func (s *SQLSource) Close() error {
	return s.db.Close()
}

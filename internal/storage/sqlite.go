package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/cgrcompute/internal/models"
)

// SQLiteCourseStore implements CourseLookup using SQLite.
type SQLiteCourseStore struct {
	db *sql.DB
}

// NewSQLiteCourseStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteCourseStore(dbPath string) (*SQLiteCourseStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteCourseStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS courses (
		course_no TEXT NOT NULL,
		study_program TEXT NOT NULL,
		semester TEXT NOT NULL,
		academic_year TEXT NOT NULL DEFAULT '',
		abbr_name TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (course_no, study_program, semester, academic_year)
	);

	CREATE INDEX IF NOT EXISTS idx_courses_lookup ON courses(course_no, study_program, semester);
	`
	_, err := db.Exec(schema)
	return err
}

// GetCourseAbbr returns the abbreviation of a course offering. An empty
// academic year matches the most recent year on record.
func (s *SQLiteCourseStore) GetCourseAbbr(ctx context.Context, key models.CourseKey) (string, bool, error) {
	sk := key.SemesterKey
	var abbr string
	var err error
	if sk.AcademicYear != "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT abbr_name FROM courses
			 WHERE course_no = ? AND study_program = ? AND semester = ? AND academic_year = ?`,
			key.CourseNo, sk.StudyProgram, sk.Semester, sk.AcademicYear,
		).Scan(&abbr)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT abbr_name FROM courses
			 WHERE course_no = ? AND study_program = ? AND semester = ?
			 ORDER BY academic_year DESC LIMIT 1`,
			key.CourseNo, sk.StudyProgram, sk.Semester,
		).Scan(&abbr)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return abbr, abbr != "", nil
}

// UpsertCourse inserts or replaces courses in a transaction.
func (s *SQLiteCourseStore) UpsertCourse(ctx context.Context, courses ...Course) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO courses (course_no, study_program, semester, academic_year, abbr_name, updated_at)
		 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (course_no, study_program, semester, academic_year)
		 DO UPDATE SET abbr_name = excluded.abbr_name, updated_at = CURRENT_TIMESTAMP`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range courses {
		sk := c.Key.SemesterKey
		if _, err := stmt.ExecContext(ctx, c.Key.CourseNo, sk.StudyProgram, sk.Semester, sk.AcademicYear, c.AbbrName); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CountCourses returns the number of stored course offerings.
func (s *SQLiteCourseStore) CountCourses(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM courses`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteCourseStore) Close() error {
	return s.db.Close()
}

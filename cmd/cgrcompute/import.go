package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/hyperjump/cgrcompute/internal/config"
	"github.com/hyperjump/cgrcompute/internal/models"
	"github.com/hyperjump/cgrcompute/internal/source"
	"github.com/hyperjump/cgrcompute/internal/storage"
)

const importBatchSize = 1000

// courseLine is one line of a course catalogue export.
type courseLine struct {
	CourseNo     string `json:"course_no"`
	StudyProgram string `json:"study_program"`
	Semester     string `json:"semester"`
	AcademicYear string `json:"academic_year"`
	AbbrName     string `json:"abbr_name"`
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runImport() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: cgrcompute import courses|events [-config path] <file.jsonl|->")
		os.Exit(1)
	}
	kind := os.Args[2]
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(os.Args[3:])
	if fs.NArg() != 1 {
		fmt.Println("Usage: cgrcompute import courses|events [-config path] <file.jsonl|->")
		os.Exit(1)
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	in, err := openInput(fs.Arg(0))
	if err != nil {
		fmt.Printf("Failed to open input: %v\n", err)
		os.Exit(1)
	}
	defer in.Close()

	ctx, stop := signalContext()
	defer stop()

	var n int
	switch kind {
	case "courses":
		n, err = importCourses(ctx, cfg, in)
	case "events":
		n, err = importEvents(ctx, cfg, in)
	default:
		err = fmt.Errorf("unknown import kind %q (want courses or events)", kind)
	}
	if err != nil {
		fmt.Printf("Import failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Imported %d %s\n", n, kind)
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func importCourses(ctx context.Context, cfg *config.Config, r io.Reader) (int, error) {
	courses, err := readCourses(r)
	if err != nil {
		return 0, err
	}
	store, err := storage.NewSQLiteCourseStore(cfg.Lookup.DatabasePath)
	if err != nil {
		return 0, err
	}
	defer store.Close()
	if err := inBatches(len(courses), func(lo, hi int) error {
		return store.UpsertCourse(ctx, courses[lo:hi]...)
	}); err != nil {
		return 0, err
	}
	return len(courses), nil
}

func importEvents(ctx context.Context, cfg *config.Config, r io.Reader) (int, error) {
	records, err := readRecords(r)
	if err != nil {
		return 0, err
	}
	switch cfg.Source.Kind {
	case config.SourceSQL:
		src, err := source.NewSQLSource(cfg.Source.SQL.DatabasePath, cfg.Source.SQL.Query)
		if err != nil {
			return 0, err
		}
		defer src.Close()
		err = inBatches(len(records), func(lo, hi int) error {
			return src.Append(ctx, records[lo:hi])
		})
		if err != nil {
			return 0, err
		}
	case config.SourceLogIndex:
		idx, err := source.NewLogIndex(cfg.Source.LogIndex.Path)
		if err != nil {
			return 0, err
		}
		defer idx.Close()
		events := toLogEvents(records)
		err = inBatches(len(events), func(lo, hi int) error {
			return idx.Index(ctx, events[lo:hi])
		})
		if err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("source %q is read-only", cfg.Source.Kind)
	}
	return len(records), nil
}

// readCourses decodes a stream of JSON course objects. Lines without a course
// number or study program are rejected.
func readCourses(r io.Reader) ([]storage.Course, error) {
	var out []storage.Course
	dec := json.NewDecoder(r)
	for i := 1; ; i++ {
		var line courseLine
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("course %d: %w", i, err)
		}
		if line.CourseNo == "" || line.StudyProgram == "" {
			return nil, fmt.Errorf("course %d: course_no and study_program are required", i)
		}
		out = append(out, storage.Course{
			Key: models.CourseKey{
				CourseNo: line.CourseNo,
				SemesterKey: models.SemesterKey{
					StudyProgram: line.StudyProgram,
					Semester:     line.Semester,
					AcademicYear: line.AcademicYear,
				},
			},
			AbbrName: line.AbbrName,
		})
	}
}

// readRecords decodes a stream of JSON selection events.
func readRecords(r io.Reader) ([]source.Record, error) {
	var out []source.Record
	dec := json.NewDecoder(r)
	for i := 1; ; i++ {
		var rec source.Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		if rec.Program == "" || rec.Course == "" || rec.GroupKey == "" {
			return nil, fmt.Errorf("event %d: program, course and group_key are required", i)
		}
		out = append(out, rec)
	}
}

func toLogEvents(records []source.Record) []source.LogEvent {
	events := make([]source.LogEvent, len(records))
	for i, r := range records {
		events[i] = source.LogEvent{
			Message:   source.DefaultObservationMessage,
			Program:   r.Program,
			Course:    r.Course,
			Session:   r.GroupKey,
			Timestamp: float64(r.Timestamp),
		}
	}
	return events
}

func inBatches(n int, fn func(lo, hi int) error) error {
	for lo := 0; lo < n; lo += importBatchSize {
		if err := fn(lo, min(lo+importBatchSize, n)); err != nil {
			return err
		}
	}
	return nil
}

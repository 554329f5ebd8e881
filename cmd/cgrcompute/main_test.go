package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperjump/cgrcompute/internal/config"
	"github.com/hyperjump/cgrcompute/internal/models"
	"github.com/hyperjump/cgrcompute/internal/source"
	"github.com/hyperjump/cgrcompute/internal/storage"
)

const minimalConfig = `
server:
  host: "127.0.0.1"
  port: 9123
source:
  kind: sql
  sql:
    database_path: "./events.db"
`

func TestLoadConfig_fallbackToWorkingDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(minimalConfig), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	cfg, path, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if filepath.Base(path) != "config.yaml" || filepath.Dir(path) == filepath.Dir(defaultConfigPath) {
		t.Errorf("loaded path = %s, want the working directory fallback", path)
	}
	if cfg.Server.Addr() != "127.0.0.1:9123" {
		t.Errorf("addr = %s", cfg.Server.Addr())
	}
	if !strings.HasSuffix(cfg.Source.SQL.DatabasePath, "events.db") || !filepath.IsAbs(cfg.Source.SQL.DatabasePath) {
		t.Errorf("sql database path = %s", cfg.Source.SQL.DatabasePath)
	}
}

func TestLoadConfig_explicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(path, []byte(minimalConfig), 0600); err != nil {
		t.Fatal(err)
	}
	_, got, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != path {
		t.Errorf("path = %s, want %s", got, path)
	}
	if _, _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config")
	}
}

func TestResolveAddr(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(minimalConfig), 0600); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name       string
		addr       string
		configPath string
		want       string
	}{
		{"flag wins", "10.0.0.1:1", path, "10.0.0.1:1"},
		{"from config", "", path, "127.0.0.1:9123"},
		{"unreadable config", "", filepath.Join(t.TempDir(), "nope.yaml"), fallbackAddr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveAddr(tt.addr, tt.configPath); got != tt.want {
				t.Errorf("resolveAddr() = %s, want %s", got, tt.want)
			}
		})
	}
}

type pageSource struct{ page source.Page }

func (p pageSource) Fetch(ctx context.Context, cursor string, limit int) (source.Page, error) {
	return p.page, nil
}

func TestLazySource_RetriesFailedOpen(t *testing.T) {
	opens, closes := 0, 0
	down := true
	l := &lazySource{open: func(ctx context.Context) (source.RecordSource, func() error, error) {
		opens++
		if down {
			return nil, nil, source.ErrUnavailable
		}
		src := pageSource{page: source.Page{Records: []source.Record{{Program: "CPE", Course: "261207", GroupKey: "s1"}}, Done: true}}
		return src, func() error { closes++; return nil }, nil
	}}
	ctx := context.Background()

	if _, err := l.Fetch(ctx, "", 10); !errors.Is(err, source.ErrUnavailable) {
		t.Fatalf("Fetch while down: err = %v", err)
	}
	down = false
	for range 2 {
		page, err := l.Fetch(ctx, "", 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Records) != 1 {
			t.Errorf("records = %d", len(page.Records))
		}
	}
	if opens != 2 {
		t.Errorf("opens = %d, want 2", opens)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if closes != 1 {
		t.Errorf("closes = %d, want 1", closes)
	}
}

func TestSourceOpener_UnknownKind(t *testing.T) {
	cfg := &config.Config{Source: config.SourceConfig{Kind: "kafka"}}
	if _, _, err := sourceOpener(cfg, nil)(context.Background()); err == nil {
		t.Error("expected error for unknown source kind")
	}
}

func TestReadCourses(t *testing.T) {
	in := `{"course_no":"261207","study_program":"CPE","semester":"1","academic_year":"2023","abbr_name":"BASIC CPE LAB"}
{"course_no":"261208","study_program":"CPE","semester":"1","abbr_name":"BASIC CPE SEM"}
`
	got, err := readCourses(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("courses = %d", len(got))
	}
	want := storage.Course{
		Key:      models.CourseKey{CourseNo: "261207", SemesterKey: models.SemesterKey{StudyProgram: "CPE", Semester: "1", AcademicYear: "2023"}},
		AbbrName: "BASIC CPE LAB",
	}
	if got[0] != want {
		t.Errorf("course[0] = %+v, want %+v", got[0], want)
	}

	if _, err := readCourses(strings.NewReader(`{"course_no":"261207"}`)); err == nil {
		t.Error("expected error for missing study_program")
	}
	if _, err := readCourses(strings.NewReader(`{"course_no":`)); err == nil {
		t.Error("expected error for truncated JSON")
	}
}

func TestReadRecords(t *testing.T) {
	in := `{"program":"CPE","course":"261207","group_key":"s1","timestamp":1700000000}
{"program":"CPE","course":"261208","group_key":"s1"}`
	got, err := readRecords(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Timestamp != 1700000000 || got[1].Course != "261208" {
		t.Errorf("records = %+v", got)
	}
	if _, err := readRecords(strings.NewReader(`{"program":"CPE","course":"261207"}`)); err == nil {
		t.Error("expected error for missing group_key")
	}
}

func TestToLogEvents(t *testing.T) {
	events := toLogEvents([]source.Record{{Program: "CPE", Course: "261207", GroupKey: "s1", Timestamp: 42}})
	want := source.LogEvent{Message: source.DefaultObservationMessage, Program: "CPE", Course: "261207", Session: "s1", Timestamp: 42}
	if len(events) != 1 || events[0] != want {
		t.Errorf("events = %+v, want [%+v]", events, want)
	}
}

func TestInBatches(t *testing.T) {
	var spans [][2]int
	err := inBatches(2*importBatchSize+1, func(lo, hi int) error {
		spans = append(spans, [2]int{lo, hi})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(spans) != 3 || spans[2] != [2]int{2 * importBatchSize, 2*importBatchSize + 1} {
		t.Errorf("spans = %v", spans)
	}
	boom := errors.New("boom")
	if err := inBatches(10, func(lo, hi int) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if err := inBatches(0, func(lo, hi int) error { return boom }); err != nil {
		t.Errorf("empty input should not call fn: %v", err)
	}
}

func TestImportCourses(t *testing.T) {
	cfg := &config.Config{Lookup: config.LookupConfig{DatabasePath: filepath.Join(t.TempDir(), "courses.db")}}
	in := `{"course_no":"261207","study_program":"CPE","semester":"1","abbr_name":"BASIC CPE LAB"}`
	ctx := context.Background()
	n, err := importCourses(ctx, cfg, strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("imported = %d", n)
	}

	store, err := storage.NewSQLiteCourseStore(cfg.Lookup.DatabasePath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	abbr, found, err := store.GetCourseAbbr(ctx, models.CourseKey{CourseNo: "261207", SemesterKey: models.SemesterKey{StudyProgram: "CPE", Semester: "1"}})
	if err != nil || !found || abbr != "BASIC CPE LAB" {
		t.Errorf("GetCourseAbbr = %q, %v, %v", abbr, found, err)
	}
}

func TestImportEvents_SQL(t *testing.T) {
	cfg := &config.Config{Source: config.SourceConfig{
		Kind: config.SourceSQL,
		SQL:  config.SQLConfig{DatabasePath: filepath.Join(t.TempDir(), "events.db")},
	}}
	in := `{"program":"CPE","course":"261207","group_key":"s1","timestamp":1}
{"program":"CPE","course":"261208","group_key":"s1","timestamp":2}`
	ctx := context.Background()
	if _, err := importEvents(ctx, cfg, strings.NewReader(in)); err != nil {
		t.Fatal(err)
	}

	src, err := source.NewSQLSource(cfg.Source.SQL.DatabasePath, "")
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	page, err := src.Fetch(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Records) != 2 {
		t.Errorf("records = %+v", page.Records)
	}
}

func TestImportEvents_LogIndex(t *testing.T) {
	cfg := &config.Config{Source: config.SourceConfig{
		Kind:     config.SourceLogIndex,
		LogIndex: config.LogIndexConfig{Path: filepath.Join(t.TempDir(), "events.bleve")},
	}}
	in := `{"program":"CPE","course":"261207","group_key":"s1","timestamp":1}`
	ctx := context.Background()
	if _, err := importEvents(ctx, cfg, strings.NewReader(in)); err != nil {
		t.Fatal(err)
	}
	idx, err := source.NewLogIndex(cfg.Source.LogIndex.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	if n, err := idx.DocCount(); err != nil || n != 1 {
		t.Errorf("DocCount = %d, %v", n, err)
	}
}

func TestImportEvents_DrillIsReadOnly(t *testing.T) {
	cfg := &config.Config{Source: config.SourceConfig{Kind: config.SourceDrill}}
	in := `{"program":"CPE","course":"261207","group_key":"s1"}`
	if _, err := importEvents(context.Background(), cfg, strings.NewReader(in)); err == nil {
		t.Error("expected error importing into drill")
	}
}

func TestRemoveCacheFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.db")
	for _, suffix := range []string{"", "-wal", ".lock"} {
		if err := os.WriteFile(path+suffix, []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
	}
	if err := removeCacheFiles(path); err != nil {
		t.Fatal(err)
	}
	for _, suffix := range []string{"", "-wal", "-shm", ".lock"} {
		if _, err := os.Stat(path + suffix); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s still exists", path+suffix)
		}
	}
	if err := removeCacheFiles(path); err != nil {
		t.Errorf("second removal: %v", err)
	}
}

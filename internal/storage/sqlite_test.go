package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hyperjump/cgrcompute/internal/models"
)

func courseKey(no, program, semester, year string) models.CourseKey {
	return models.CourseKey{
		CourseNo:    no,
		SemesterKey: models.SemesterKey{StudyProgram: program, Semester: semester, AcademicYear: year},
	}
}

func TestSQLiteCourseStore_GetCourseAbbr(t *testing.T) {
	store, err := NewSQLiteCourseStore(filepath.Join(t.TempDir(), "courses", "courses.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	if err := store.UpsertCourse(ctx,
		Course{Key: courseKey("261207", "CPE", "1", "2023"), AbbrName: "BASIC CPE LAB (2023)"},
		Course{Key: courseKey("261207", "CPE", "1", "2024"), AbbrName: "BASIC CPE LAB"},
		Course{Key: courseKey("261207", "ISNE", "1", "2024"), AbbrName: "ISNE LAB"},
	); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		key       models.CourseKey
		want      string
		wantFound bool
	}{
		{"exact year", courseKey("261207", "CPE", "1", "2023"), "BASIC CPE LAB (2023)", true},
		{"latest year when unset", courseKey("261207", "CPE", "1", ""), "BASIC CPE LAB", true},
		{"scoped by program", courseKey("261207", "ISNE", "1", "2024"), "ISNE LAB", true},
		{"other semester", courseKey("261207", "CPE", "2", "2024"), "", false},
		{"unknown course", courseKey("999999", "CPE", "1", "2024"), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found, err := store.GetCourseAbbr(ctx, tt.key)
			if err != nil {
				t.Fatalf("GetCourseAbbr: %v", err)
			}
			if got != tt.want || found != tt.wantFound {
				t.Errorf("got %q, %v; want %q, %v", got, found, tt.want, tt.wantFound)
			}
		})
	}
}

func TestSQLiteCourseStore_UpsertReplaces(t *testing.T) {
	store, err := NewSQLiteCourseStore(filepath.Join(t.TempDir(), "courses.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	key := courseKey("001101", "CPE", "1", "2024")
	_ = store.UpsertCourse(ctx, Course{Key: key, AbbrName: "ENGL 1"})
	if err := store.UpsertCourse(ctx, Course{Key: key, AbbrName: "FUNDAMENTAL ENGL 1"}); err != nil {
		t.Fatal(err)
	}
	got, found, _ := store.GetCourseAbbr(ctx, key)
	if !found || got != "FUNDAMENTAL ENGL 1" {
		t.Errorf("got %q, %v", got, found)
	}
	if n, _ := store.CountCourses(ctx); n != 1 {
		t.Errorf("CountCourses = %d, want 1", n)
	}
}

package cli

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/hyperjump/cgrcompute/internal/models"
)

func sampleResponse() *models.RecommendationResponse {
	sem := models.SemesterKey{StudyProgram: "CPE", Semester: "1", AcademicYear: "2023"}
	return &models.RecommendationResponse{
		Variant:   "COSINE",
		QueryTime: 42,
		Course: []models.CourseDetail{
			{Key: models.CourseKey{CourseNo: "261208", SemesterKey: sem}, CourseNameEn: "BASIC CPE SEM"},
			{Key: models.CourseKey{CourseNo: "261216", SemesterKey: sem}, CourseNameEn: "COMP ENGR DESIGN"},
		},
	}
}

func TestWriteRecommendations_JSON(t *testing.T) {
	response := sampleResponse()
	var buf bytes.Buffer
	if err := WriteRecommendations(&buf, response, OutputJSON); err != nil {
		t.Fatalf("WriteRecommendations(json): %v", err)
	}
	var decoded models.RecommendationResponse
	if err := json.NewDecoder(&buf).Decode(&decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	if !reflect.DeepEqual(&decoded, response) {
		t.Errorf("decoded = %+v, want %+v", decoded, response)
	}
}

func TestWriteRecommendations_text(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRecommendations(&buf, sampleResponse(), OutputText); err != nil {
		t.Fatalf("WriteRecommendations(text): %v", err)
	}
	out := buf.String()
	for _, sub := range []string{"2 recommended courses (COSINE)", "42ms", " 1. 261208", "BASIC CPE SEM", " 2. 261216", "program CPE, semester 1, academic year 2023"} {
		if !strings.Contains(out, sub) {
			t.Errorf("text output missing %q:\n%s", sub, out)
		}
	}
}

func TestWriteRecommendations_textEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRecommendations(&buf, &models.RecommendationResponse{Variant: "RANDOM"}, OutputFormat("unknown")); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "0 recommended courses (RANDOM)") {
		t.Errorf("unknown format should fall back to text; got %q", buf.String())
	}
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", OutputText, false},
		{"text", OutputText, false},
		{" JSON ", OutputJSON, false},
		{"yaml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOutputFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseOutputFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestParseCourseList(t *testing.T) {
	got := ParseCourseList(" 261207, ,261208,")
	want := []models.CourseKey{{CourseNo: "261207"}, {CourseNo: "261208"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseCourseList() = %v, want %v", got, want)
	}
	if got := ParseCourseList(""); got != nil {
		t.Errorf("ParseCourseList(\"\") = %v, want nil", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		s      string
		maxLen int
		want   string
	}{
		{"empty", "", 5, ""},
		{"short", "hi", 5, "hi"},
		{"exact", "hello", 5, "hello"},
		{"long", "hello world", 5, "hello..."},
		{"maxLen zero", "ab", 0, "ab"},
		{"maxLen negative", "ab", -1, "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.s, tt.maxLen)
			if got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.s, tt.maxLen, got, tt.want)
			}
		})
	}
}

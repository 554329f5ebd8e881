// Package cli provides output helpers for the cgrcompute command.
package cli

import (
	"fmt"
	"io"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/hyperjump/cgrcompute/internal/models"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat accepts "text" or "json".
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case OutputText, OutputJSON:
		return f, nil
	case "":
		return OutputText, nil
	default:
		return "", fmt.Errorf("unknown output format %q", s)
	}
}

// WriteRecommendations writes a recommendation response to w in the given format.
func WriteRecommendations(w io.Writer, response *models.RecommendationResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(response)
	default:
		writeRecommendationsText(w, response)
		return nil
	}
}

func writeRecommendationsText(w io.Writer, response *models.RecommendationResponse) {
	fmt.Fprintf(w, "\n%d recommended courses (%s) in %dms\n\n",
		len(response.Course), response.Variant, response.QueryTime)
	for i, c := range response.Course {
		fmt.Fprintf(w, "%2d. %-8s %s\n", i+1, c.Key.CourseNo, Truncate(c.CourseNameEn, 60))
	}
	if len(response.Course) > 0 {
		k := response.Course[0].Key.SemesterKey
		fmt.Fprintf(w, "\nprogram %s, semester %s", k.StudyProgram, k.Semester)
		if k.AcademicYear != "" {
			fmt.Fprintf(w, ", academic year %s", k.AcademicYear)
		}
		fmt.Fprintln(w)
	}
}

// ParseCourseList splits a comma separated list of course numbers.
func ParseCourseList(s string) []models.CourseKey {
	var out []models.CourseKey
	for _, part := range strings.Split(s, ",") {
		if c := strings.TrimSpace(part); c != "" {
			out = append(out, models.CourseKey{CourseNo: c})
		}
	}
	return out
}

// Truncate truncates s to maxLen and appends "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

package models

import "fmt"

// MaxRecommendations is the number of enriched courses returned per request.
const MaxRecommendations = 10

// SemesterKey scopes a request to one study program and semester.
type SemesterKey struct {
	StudyProgram string `json:"study_program"`
	Semester     string `json:"semester"`
	AcademicYear string `json:"academic_year,omitempty"`
}

// CourseKey identifies a course within a semester.
type CourseKey struct {
	CourseNo    string      `json:"course_no"`
	SemesterKey SemesterKey `json:"semester_key"`
}

// RecommendationRequest asks for courses to add given what is already selected.
type RecommendationRequest struct {
	SemesterKey    SemesterKey `json:"semester_key"`
	SelectedCourse []CourseKey `json:"selected_course,omitempty"`
	Variant        string      `json:"variant"`
}

// Validate checks required fields and defaults the variant to COSINE.
func (r *RecommendationRequest) Validate() error {
	if r.SemesterKey.StudyProgram == "" {
		return fmt.Errorf("semester_key.study_program is required")
	}
	if r.Variant == "" {
		r.Variant = "COSINE"
	}
	return nil
}

// SelectedItems returns the selected courses as items. Each course is scoped by
// its own study program, falling back to the request's program when unset.
func (r *RecommendationRequest) SelectedItems() []Item {
	items := make([]Item, 0, len(r.SelectedCourse))
	for _, c := range r.SelectedCourse {
		program := c.SemesterKey.StudyProgram
		if program == "" {
			program = r.SemesterKey.StudyProgram
		}
		items = append(items, Item{Program: program, Course: c.CourseNo})
	}
	return items
}

// IsSelected reports whether courseNo is already among the selected courses.
func (r *RecommendationRequest) IsSelected(courseNo string) bool {
	for _, c := range r.SelectedCourse {
		if c.CourseNo == courseNo {
			return true
		}
	}
	return false
}

// CourseDetail is one enriched recommendation.
type CourseDetail struct {
	Key          CourseKey `json:"key"`
	CourseNameEn string    `json:"course_name_en"`
}

// RecommendationResponse is the ordered list of recommended courses.
type RecommendationResponse struct {
	Course []CourseDetail `json:"course"`
	// Variant echoes the variant that produced the ranking.
	Variant string `json:"variant,omitempty"`
	// QueryTime is the end-to-end handling time in milliseconds.
	QueryTime int64 `json:"query_time_ms"`
}

// Package storage resolves recommended courses to their display names.
package storage

import (
	"context"

	"github.com/hyperjump/cgrcompute/internal/models"
)

// Course is a course offering and its display abbreviation.
type Course struct {
	Key      models.CourseKey
	AbbrName string
}

// CourseLookup resolves a course offering to its display abbreviation.
// A course that does not exist is reported with found=false, not an error.
type CourseLookup interface {
	GetCourseAbbr(ctx context.Context, key models.CourseKey) (abbr string, found bool, err error)
}

// Package source streams raw (program, course, grouping key) records from the
// systems that log course selections.
package source

import (
	"context"
	"errors"

	"github.com/hyperjump/cgrcompute/internal/models"
)

// ErrUnavailable marks failures of an external data service. Callers treat it
// as transient: nothing derived from a failed fetch is cached.
var ErrUnavailable = errors.New("external service unavailable")

// DefaultObservationMessage is the log message recorded when a user adds a course.
const DefaultObservationMessage = "user add course"

// DefaultWindow is the number of most recent log events considered for training.
const DefaultWindow = 100000

// Record is one course selection event.
type Record struct {
	Program   string `json:"program"`
	Course    string `json:"course"`
	GroupKey  string `json:"group_key"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Item returns the course the record refers to.
func (r Record) Item() models.Item {
	return models.Item{Program: r.Program, Course: r.Course}
}

// Page is one batch of records and the cursor of the next batch.
type Page struct {
	Records []Record
	// Cursor resumes after the last record of this page.
	Cursor string
	// Done is set when no records follow this page.
	Done bool
}

// RecordSource fetches records in cursor order. An empty cursor starts at the
// most recent record.
type RecordSource interface {
	Fetch(ctx context.Context, cursor string, limit int) (Page, error)
}

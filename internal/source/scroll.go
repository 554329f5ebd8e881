package source

import (
	"context"
	"iter"
)

// DefaultPageSize is the number of records requested per Fetch.
const DefaultPageSize = 5000

// Scroll walks a RecordSource page by page and stops after maxRecords records.
// A Scroll is single use and not safe for concurrent iteration.
type Scroll struct {
	src        RecordSource
	pageSize   int
	maxRecords int

	cursor  string
	fetched int
}

// NewScroll returns a Scroll over src. maxRecords <= 0 reads until the source
// reports Done.
func NewScroll(src RecordSource, pageSize, maxRecords int) *Scroll {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Scroll{src: src, pageSize: pageSize, maxRecords: maxRecords}
}

// All yields records lazily. A fetch error is yielded once and ends the sequence.
func (s *Scroll) All(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for {
			limit := s.pageSize
			if s.maxRecords > 0 {
				remaining := s.maxRecords - s.fetched
				if remaining <= 0 {
					return
				}
				limit = min(limit, remaining)
			}
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}

			page, err := s.src.Fetch(ctx, s.cursor, limit)
			if err != nil {
				yield(Record{}, err)
				return
			}
			records := page.Records
			if len(records) > limit {
				records = records[:limit]
			}
			for _, r := range records {
				s.fetched++
				if !yield(r, nil) {
					return
				}
			}
			s.cursor = page.Cursor
			if page.Done || len(records) == 0 {
				return
			}
		}
	}
}

// Cursor returns the position after the last fully consumed page.
func (s *Scroll) Cursor() string {
	return s.cursor
}

// Fetched returns the number of records yielded so far.
func (s *Scroll) Fetched() int {
	return s.fetched
}

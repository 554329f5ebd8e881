package source

import (
	"context"
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// LogEvent is one application log line as stored in the log index.
type LogEvent struct {
	ID        string  `json:"-"`
	Message   string  `json:"message"`
	Program   string  `json:"program"`
	Course    string  `json:"course"`
	Session   string  `json:"session"`
	Timestamp float64 `json:"timestamp"`
}

// LogIndex is a Bleve index of application log events. Fetch scrolls the
// course-add events newest first using search-after cursors, so deep pages
// cost the same as the first one.
type LogIndex struct {
	index   bleve.Index
	message string
}

// NewLogIndex creates or opens a log index at path.
// If you change the index mapping in code, remove the index directory to rebuild it.
func NewLogIndex(path string) (*LogIndex, error) {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	// Keyword fields index the whole value as one term so the message filter is exact.
	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	for _, field := range []string{"message", "program", "course", "session"} {
		docMapping.AddFieldMappingsAt(field, keywordFieldMapping)
	}
	docMapping.AddFieldMappingsAt("timestamp", bleve.NewNumericFieldMapping())
	im.AddDocumentMapping("event", docMapping)
	im.DefaultType = "event"
	im.DefaultMapping = docMapping

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open log index: %w", openErr)
		}
		return &LogIndex{index: index, message: DefaultObservationMessage}, nil
	}

	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create log index: %w", err)
	}
	return &LogIndex{index: index, message: DefaultObservationMessage}, nil
}

// Index adds events in one batch. Events without an ID get a random one.
func (l *LogIndex) Index(ctx context.Context, events []LogEvent) error {
	batch := l.index.NewBatch()
	for _, e := range events {
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		if err := batch.Index(id, e); err != nil {
			return fmt.Errorf("index event %s: %w", id, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.index.Batch(batch)
}

// Fetch implements RecordSource. The cursor is the encoded sort key of the
// last hit of the previous page.
func (l *LogIndex) Fetch(ctx context.Context, cursor string, limit int) (Page, error) {
	q := bleve.NewTermQuery(l.message)
	q.SetField("message")

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.Fields = []string{"program", "course", "session", "timestamp"}
	req.SortBy([]string{"-timestamp", "_id"})
	if cursor != "" {
		var after []string
		if err := json.Unmarshal([]byte(cursor), &after); err != nil {
			return Page{}, fmt.Errorf("invalid log index cursor: %w", err)
		}
		req.SearchAfter = after
	}

	res, err := l.index.SearchInContext(ctx, req)
	if err != nil {
		return Page{}, fmt.Errorf("%w: log index search: %v", ErrUnavailable, err)
	}

	records := make([]Record, 0, len(res.Hits))
	for _, hit := range res.Hits {
		records = append(records, recordFromHit(hit))
	}
	page := Page{Records: records, Cursor: cursor, Done: len(res.Hits) < limit}
	if n := len(res.Hits); n > 0 {
		next, err := json.Marshal(res.Hits[n-1].Sort)
		if err != nil {
			return Page{}, err
		}
		page.Cursor = string(next)
	}
	return page, nil
}

func recordFromHit(hit *search.DocumentMatch) Record {
	str := func(name string) string {
		s, _ := hit.Fields[name].(string)
		return s
	}
	ts, _ := hit.Fields["timestamp"].(float64)
	return Record{
		Program:   str("program"),
		Course:    str("course"),
		GroupKey:  str("session"),
		Timestamp: int64(ts),
	}
}

// DocCount returns the number of indexed events.
func (l *LogIndex) DocCount() (uint64, error) {
	return l.index.DocCount()
}

// Close closes the index.
func (l *LogIndex) Close() error {
	return l.index.Close()
}

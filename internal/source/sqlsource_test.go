package source

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
)

func TestSQLSource_FetchNewestFirst(t *testing.T) {
	ctx := context.Background()
	src, err := NewSQLSource(filepath.Join(t.TempDir(), "events.db"), "")
	if err != nil {
		t.Fatalf("NewSQLSource: %v", err)
	}
	defer func() { _ = src.Close() }()

	var records []Record
	for i := 0; i < 12; i++ {
		records = append(records, Record{
			Program:   "CPE",
			Course:    fmt.Sprintf("2612%02d", i),
			GroupKey:  fmt.Sprintf("s%d", i%3),
			Timestamp: int64(1000 + i),
		})
	}
	if err := src.Append(ctx, records); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := collect(t, NewScroll(src, 5, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 12 {
		t.Fatalf("got %d records, want 12", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp > got[i-1].Timestamp {
			t.Fatalf("records not newest first at %d: %d after %d", i, got[i].Timestamp, got[i-1].Timestamp)
		}
	}
	if got[0].Course != "261211" || got[0].GroupKey != "s2" {
		t.Errorf("newest record = %+v", got[0])
	}
}

func TestSQLSource_IgnoresOtherMessages(t *testing.T) {
	ctx := context.Background()
	src, err := NewSQLSource(filepath.Join(t.TempDir(), "events.db"), "")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = src.Close() }()

	if _, err := src.db.ExecContext(ctx,
		`INSERT INTO course_events (program, course, group_key, message, ts) VALUES ('CPE', 'x', 's', 'user remove course', 1)`,
	); err != nil {
		t.Fatal(err)
	}
	page, err := src.Fetch(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Records) != 0 || !page.Done {
		t.Errorf("page = %+v, want empty and done", page)
	}
}

func TestSQLSource_CustomQueryAndBadCursor(t *testing.T) {
	ctx := context.Background()
	query := `SELECT program, course, group_key, ts FROM course_events WHERE program = 'ISNE' ORDER BY ts LIMIT ? OFFSET ?`
	src, err := NewSQLSource(filepath.Join(t.TempDir(), "events.db"), query)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = src.Close() }()

	if err := src.Append(ctx, []Record{
		{Program: "CPE", Course: "a", GroupKey: "s", Timestamp: 1},
		{Program: "ISNE", Course: "b", GroupKey: "s", Timestamp: 2},
	}); err != nil {
		t.Fatal(err)
	}
	page, err := src.Fetch(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Records) != 1 || page.Records[0].Course != "b" {
		t.Errorf("records = %+v", page.Records)
	}
	if _, err := src.Fetch(ctx, "not-a-number", 10); err == nil {
		t.Error("expected error for malformed cursor")
	}
}

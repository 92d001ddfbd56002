package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSchemaCreation(t *testing.T) {
	db := testDB(t)
	var count int
	if err := db.conn.QueryRow(`SELECT count(*) FROM executions`).Scan(&count); err != nil {
		t.Fatalf("executions table missing: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestRecordAndRecent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	entries := []Entry{
		{Path: "a.nb", CellID: "one", Status: StatusCompleted, Mime: "text/x-javascript", StartedAt: start, DurationMS: 15},
		{Path: "a.nb", CellID: "two", Status: StatusError, Error: "ReferenceError", StartedAt: start.Add(time.Second)},
		{Path: "b.nb", CellID: "three", Status: StatusSkipped, StartedAt: start.Add(2 * time.Second)},
	}
	for _, e := range entries {
		if err := db.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := db.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].CellID != "three" || got[1].CellID != "two" {
		t.Errorf("order = %s, %s; want three, two", got[0].CellID, got[1].CellID)
	}
	if got[1].Error != "ReferenceError" || got[1].Status != StatusError {
		t.Errorf("entry = %+v", got[1])
	}

	all, err := db.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[2].DurationMS != 15 {
		t.Errorf("duration = %d, want 15", all[2].DurationMS)
	}
	if !all[2].StartedAt.Equal(start) {
		t.Errorf("started_at = %v, want %v", all[2].StartedAt, start)
	}
}

func TestOpenDefaultInMemory(t *testing.T) {
	db, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	if err := db.Record(context.Background(), Entry{Path: "p", CellID: "c", Status: StatusCompleted, StartedAt: time.Now()}); err != nil {
		t.Fatalf("Record: %v", err)
	}
}

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/orbitmgr/internal/history"
)

func TestSQLiteSinkSendAndRecent(t *testing.T) {
	sink, err := New("sqlite://" + filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []history.Event{
		{Type: history.EventStart, OccurredAt: base, Record: history.Record{Name: "backend", PID: 100, State: "running", StartCount: 1}},
		{Type: history.EventExit, OccurredAt: base.Add(time.Minute), Record: history.Record{Name: "backend", PID: 100, State: "stopped", StartCount: 1, Error: "exit status 1"}},
		{Type: history.EventStartFailed, OccurredAt: base.Add(2 * time.Minute), Record: history.Record{Name: "backend", State: "stopped", StartCount: 1, Error: "no such file"}},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send %s: %v", e.Type, err)
		}
	}

	got, err := sink.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Type != history.EventStartFailed || got[0].Error != "no such file" {
		t.Fatalf("newest = %+v", got[0])
	}
	if got[1].Type != history.EventExit || got[1].PID != 100 {
		t.Fatalf("second = %+v", got[1])
	}
	if !got[1].OccurredAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("occurred_at = %v", got[1].OccurredAt)
	}
}

func TestSQLiteSinkMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if err := sink.Send(context.Background(), history.Event{Type: history.EventStop, OccurredAt: time.Now(), Record: history.Record{Name: "backend", State: "stopped"}}); err != nil {
		t.Fatal(err)
	}
	got, err := sink.Recent(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d", len(got))
	}
}

func TestSQLiteSinkEmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

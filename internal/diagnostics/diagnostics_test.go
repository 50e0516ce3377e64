package diagnostics

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fathomdata/ommreactor/internal/eventbus"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndList(t *testing.T) {
	store, err := NewStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	err = store.Record(eventbus.Event{
		Timestamp: time.Now(),
		Source:    eventbus.SourceChannel,
		Kind:      eventbus.KindChannelStateChange,
		Data:      map[string]any{"channel": "c1", "to": "Up"},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := store.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("List() returned %d entries, want 1", len(entries))
	}
	if entries[0].Source != eventbus.SourceChannel || entries[0].Kind != eventbus.KindChannelStateChange {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
	if entries[0].Data["channel"] != "c1" {
		t.Errorf("Data[channel] = %v, want c1", entries[0].Data["channel"])
	}
}

func TestFollowConsumesBusEvents(t *testing.T) {
	store, err := NewStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.Follow(ctx, bus, nil)
		close(done)
	}()

	bus.Publish(eventbus.Event{Source: eventbus.SourceRouter, Kind: eventbus.KindItemRouted, Data: map[string]any{"stream_id": 5}})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		entries, _ := store.List(10)
		if len(entries) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	entries, err := store.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected Follow to persist 1 event, got %d", len(entries))
	}

	cancel()
	<-done
}

package journal

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	logx "repartibot/pkg/logx"

	"repartibot/internal/render"
)

func sampleSnapshot() Snapshot {
	at := time.Date(2025, 6, 3, 10, 30, 0, 0, time.UTC)
	return Snapshot{
		SavedAt: at,
		Priority: []ItemRecord{
			{
				ID:          "a1",
				Destination: "525512345678",
				Kind:        "document",
				Caption:     "Su comprobante",
				Document:    &render.Spec{Folio: "F-0099", Total: 1250},
				EnqueuedAt:  at,
			},
		},
		Normal: []ItemRecord{
			{ID: "b1", Destination: "525587654321", Kind: "text", Body: "hola", EnqueuedAt: at},
			{ID: "b2", Destination: "525587654321", Kind: "media", MediaURL: "https://x/img.jpg", Caption: "foto", EnqueuedAt: at},
		},
		CycleP: 1,
		CycleN: 2,
	}
}

func roundTrip(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := st.LoadSnapshot(ctx); err != nil || ok {
		t.Fatalf("fresh store: ok=%v err=%v", ok, err)
	}

	want := sampleSnapshot()
	if err := st.SaveSnapshot(ctx, want); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, ok, err := st.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if !ok {
		t.Fatal("expected a snapshot")
	}
	if got.CycleP != want.CycleP || got.CycleN != want.CycleN {
		t.Fatalf("cycle counters: got %d/%d want %d/%d", got.CycleP, got.CycleN, want.CycleP, want.CycleN)
	}
	normalize := func(items []ItemRecord) []ItemRecord {
		out := make([]ItemRecord, len(items))
		for i, it := range items {
			it.EnqueuedAt = it.EnqueuedAt.UTC()
			out[i] = it
		}
		return out
	}
	if !reflect.DeepEqual(normalize(got.Priority), normalize(want.Priority)) {
		t.Fatalf("priority queue mismatch:\n got %+v\nwant %+v", got.Priority, want.Priority)
	}
	if !reflect.DeepEqual(normalize(got.Normal), normalize(want.Normal)) {
		t.Fatalf("normal queue mismatch:\n got %+v\nwant %+v", got.Normal, want.Normal)
	}

	// A second save replaces, not appends.
	want.Normal = want.Normal[:1]
	if err := st.SaveSnapshot(ctx, want); err != nil {
		t.Fatalf("SaveSnapshot(2): %v", err)
	}
	got, _, err = st.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot(2): %v", err)
	}
	if len(got.Normal) != 1 {
		t.Fatalf("expected 1 normal item after rewrite, got %d", len(got.Normal))
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "journal")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	roundTrip(t, st)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "journal.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	roundTrip(t, st)
}

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st != nil {
		t.Fatal("expected nil store when disabled")
	}
}

package fetchengine

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"fetchd/internal"
)

func newTestJournal() *Journal {
	return &Journal{
		Version: JournalVersion,
		JobID:   "job-1",
		URL:     "https://example.com/file.bin",
		Remote:  RemoteDescriptor{TotalSize: 10, AcceptRanges: true},
		Plan: SegmentPlan{Segments: []SegmentState{
			{Index: 0, Start: 0, End: 9, Status: SegmentPending},
		}},
	}
}

func TestJournalStore_CommitAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	layout := newStagingLayout(filepath.Join(dir, "out.bin"))
	if err := os.MkdirAll(layout.dir, 0o755); err != nil {
		t.Fatalf("failed to create staging dir: %v", err)
	}

	store := newJournalStore(layout)
	j := newTestJournal()

	if err := store.commit(j); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	loaded, err := store.load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected a loaded journal, got nil")
	}
	if loaded.JobID != j.JobID || loaded.URL != j.URL {
		t.Errorf("loaded journal does not match committed journal: %+v", loaded)
	}
	if loaded.UpdatedAt.IsZero() {
		t.Error("expected commit to stamp UpdatedAt")
	}
}

func TestJournalStore_LoadMissingReturnsNilNil(t *testing.T) {
	dir := t.TempDir()
	layout := newStagingLayout(filepath.Join(dir, "out.bin"))
	if err := os.MkdirAll(layout.dir, 0o755); err != nil {
		t.Fatalf("failed to create staging dir: %v", err)
	}

	store := newJournalStore(layout)
	loaded, err := store.load()
	if err != nil {
		t.Fatalf("expected no error for a missing journal, got %v", err)
	}
	if loaded != nil {
		t.Error("expected nil journal when none has been committed")
	}
}

func TestJournalStore_LoadDetectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	layout := newStagingLayout(filepath.Join(dir, "out.bin"))
	if err := os.MkdirAll(layout.dir, 0o755); err != nil {
		t.Fatalf("failed to create staging dir: %v", err)
	}

	store := newJournalStore(layout)
	if err := store.commit(newTestJournal()); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	// Corrupt the payload in place, leaving the checksum stale.
	raw, err := os.ReadFile(layout.journalPath())
	if err != nil {
		t.Fatalf("failed to read journal: %v", err)
	}
	corrupted := bytes.Replace(raw, []byte(`"job-1"`), []byte(`"job-2"`), 1)
	if err := os.WriteFile(layout.journalPath(), corrupted, 0o644); err != nil {
		t.Fatalf("failed to write corrupted journal: %v", err)
	}

	_, err = store.load()
	if err == nil {
		t.Fatal("expected a checksum-mismatch error, got nil")
	}
	fe, ok := err.(*internal.FetchError)
	if !ok || fe.Kind != internal.KindStagingInconsistent {
		t.Errorf("expected a StagingInconsistent error, got %v", err)
	}
}

func TestJournalStore_LoadRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	layout := newStagingLayout(filepath.Join(dir, "out.bin"))
	if err := os.MkdirAll(layout.dir, 0o755); err != nil {
		t.Fatalf("failed to create staging dir: %v", err)
	}
	if err := os.WriteFile(layout.journalPath(), []byte("not json"), 0o644); err != nil {
		t.Fatalf("failed to write journal: %v", err)
	}

	store := newJournalStore(layout)
	_, err := store.load()
	if err == nil {
		t.Fatal("expected an error for malformed journal JSON")
	}
}

func TestJournalStore_LoadRejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	layout := newStagingLayout(filepath.Join(dir, "out.bin"))
	if err := os.MkdirAll(layout.dir, 0o755); err != nil {
		t.Fatalf("failed to create staging dir: %v", err)
	}

	store := newJournalStore(layout)
	j := newTestJournal()
	j.Version = JournalVersion + 1
	if err := store.commit(j); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	_, err := store.load()
	if err == nil {
		t.Fatal("expected an error for an unrecognized journal schema version")
	}
}

func TestJournalStore_UpdateSegmentMutatesAndCommits(t *testing.T) {
	dir := t.TempDir()
	layout := newStagingLayout(filepath.Join(dir, "out.bin"))
	if err := os.MkdirAll(layout.dir, 0o755); err != nil {
		t.Fatalf("failed to create staging dir: %v", err)
	}

	store := newJournalStore(layout)
	j := newTestJournal()

	if err := store.updateSegment(j, 0, func(s *SegmentState) {
		s.Status = SegmentCompleted
		s.BytesWritten = 10
	}); err != nil {
		t.Fatalf("updateSegment failed: %v", err)
	}

	if j.Plan.Segments[0].Status != SegmentCompleted {
		t.Errorf("expected in-memory segment to be mutated, got %s", j.Plan.Segments[0].Status)
	}

	loaded, err := store.load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Plan.Segments[0].BytesWritten != 10 {
		t.Errorf("expected committed journal to reflect the mutation, got %d", loaded.Plan.Segments[0].BytesWritten)
	}
}

func TestJournalStore_UpdateSegmentRejectsOutOfRangeIndex(t *testing.T) {
	dir := t.TempDir()
	layout := newStagingLayout(filepath.Join(dir, "out.bin"))
	if err := os.MkdirAll(layout.dir, 0o755); err != nil {
		t.Fatalf("failed to create staging dir: %v", err)
	}

	store := newJournalStore(layout)
	j := newTestJournal()

	err := store.updateSegment(j, 5, func(s *SegmentState) {})
	if err == nil {
		t.Fatal("expected an error for an out-of-range segment index")
	}
}

package fetchengine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"fetchd/utils"
)

func TestBackoffDelay_GrowsAndRespectsCap(t *testing.T) {
	first := backoffDelay(1)
	if first <= 0 {
		t.Fatal("expected a positive delay")
	}

	// attempt 10 would blow way past the cap without clamping; jitter is
	// bounded to [0.5, 1.5] of the capped value.
	capped := backoffDelay(10)
	if capped > DefaultRetryCapDelay+DefaultRetryCapDelay/2 {
		t.Errorf("expected backoffDelay to respect the cap, got %v", capped)
	}
	if capped <= first {
		t.Errorf("expected backoffDelay(10) to exceed backoffDelay(1), got %v <= %v", capped, first)
	}
}

func setupSchedulerTest(t *testing.T, segments []SegmentState) (stagingLayout, *journalStore, *Journal) {
	t.Helper()
	dir := t.TempDir()
	layout := newStagingLayout(filepath.Join(dir, "out.bin"))
	if err := os.MkdirAll(layout.dir, 0o755); err != nil {
		t.Fatalf("failed to create staging dir: %v", err)
	}
	if err := ensureSegmentFiles(SegmentPlan{Segments: segments}, layout); err != nil {
		t.Fatalf("failed to create segment files: %v", err)
	}

	store := newJournalStore(layout)
	j := &Journal{
		Version: JournalVersion,
		Plan:    SegmentPlan{Segments: segments},
	}
	if err := store.commit(j); err != nil {
		t.Fatalf("failed to commit initial journal: %v", err)
	}
	return layout, store, j
}

func TestRunSegments_CompletesAllSegmentsAgainstRangeServer(t *testing.T) {
	const body = "0123456789abcdefghij" // 20 bytes, split into two 10-byte segments

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		parts := strings.TrimPrefix(rng, "bytes=")
		bounds := strings.SplitN(parts, "-", 2)
		start, _ := strconv.Atoi(bounds[0])
		end, _ := strconv.Atoi(bounds[1])
		w.Header().Set("Content-Range", rng+"/"+strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(body[start : end+1]))
	}))
	defer srv.Close()

	segments := []SegmentState{
		{Index: 0, Start: 0, End: 9, Status: SegmentPending},
		{Index: 1, Start: 10, End: 19, Status: SegmentPending},
	}
	layout, store, j := setupSchedulerTest(t, segments)
	j.URL = srv.URL

	client := newTestClient(t)
	opts := DefaultOptions()
	opts.MaxParallelism = 2

	var progressed int64
	err := runSegments(context.Background(), client, store, j, layout, opts, utils.NewGlobalLimiter(0), func(total int64) {
		progressed = total
	})
	if err != nil {
		t.Fatalf("runSegments failed: %v", err)
	}

	if !j.Plan.AllCompleted() {
		t.Fatalf("expected all segments completed, got %+v", j.Plan.Segments)
	}
	if progressed != 20 {
		t.Errorf("expected final progress total 20, got %d", progressed)
	}

	seg0, err := os.ReadFile(layout.segmentPath(0))
	if err != nil {
		t.Fatalf("failed to read segment 0: %v", err)
	}
	seg1, err := os.ReadFile(layout.segmentPath(1))
	if err != nil {
		t.Fatalf("failed to read segment 1: %v", err)
	}
	if string(seg0)+string(seg1) != body {
		t.Errorf("reassembled content = %q, want %q", string(seg0)+string(seg1), body)
	}
}

func TestRunSegments_NoPendingSegmentsIsANoOp(t *testing.T) {
	segments := []SegmentState{
		{Index: 0, Start: 0, End: 9, Status: SegmentCompleted, BytesWritten: 10},
	}
	layout, store, j := setupSchedulerTest(t, segments)
	j.URL = "http://example.invalid"

	client := newTestClient(t)
	err := runSegments(context.Background(), client, store, j, layout, DefaultOptions(), utils.NewGlobalLimiter(0), nil)
	if err != nil {
		t.Fatalf("expected no error when every segment is already completed, got %v", err)
	}
}

func TestRunSegments_PermanentFailureMarksSegmentFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	segments := []SegmentState{
		{Index: 0, Start: 0, End: 9, Status: SegmentPending},
	}
	layout, store, j := setupSchedulerTest(t, segments)
	j.URL = srv.URL

	client := newTestClient(t)
	opts := DefaultOptions()
	opts.MaxAttempts = 1

	err := runSegments(context.Background(), client, store, j, layout, opts, utils.NewGlobalLimiter(0), nil)
	if err == nil {
		t.Fatal("expected an error from a permanent 404 failure")
	}
	if j.Plan.Segments[0].Status != SegmentFailed {
		t.Errorf("expected segment marked Failed, got %s", j.Plan.Segments[0].Status)
	}
}

func TestRunSegmentWithRetry_RetriesTransientFailureThenSucceeds(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable) // maps to KindUnreachable, transient
			return
		}
		w.Header().Set("Content-Range", "bytes 0-4/5")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	segments := []SegmentState{
		{Index: 0, Start: 0, End: 4, Status: SegmentPending},
	}
	layout, store, j := setupSchedulerTest(t, segments)
	j.URL = srv.URL

	client := newTestClient(t)
	opts := DefaultOptions()
	opts.MaxAttempts = 3

	err := runSegmentWithRetry(context.Background(), client, store, j, 0, layout, opts, nil, utils.NewGlobalLimiter(0), func(int64) {})
	if err != nil {
		t.Fatalf("expected the retry to eventually succeed, got %v", err)
	}
	if j.Plan.Segments[0].Status != SegmentCompleted {
		t.Errorf("expected segment Completed after retry, got %s", j.Plan.Segments[0].Status)
	}
	if attempts < 2 {
		t.Errorf("expected at least 2 attempts, got %d", attempts)
	}
}

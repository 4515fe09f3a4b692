package fetchengine

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fetchd/internal"
)

func TestManager_StartDownloadsAndPublishes(t *testing.T) {
	const body = "the full contents of a small downloaded file"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", len(body)-1, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	m, err := NewManager()
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.bin")

	handle, err := m.Start(context.Background(), srv.URL, outPath)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait returned an error: %v", err)
	}
	if result.State != StatePublished {
		t.Fatalf("expected StatePublished, got %s (err=%v)", result.State, result.Err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("failed to read published file: %v", err)
	}
	if string(got) != body {
		t.Errorf("published content = %q, want %q", got, body)
	}

	final := handle.Progress()
	if final.BytesWritten != int64(len(body)) {
		t.Errorf("final Progress.BytesWritten = %d, want %d", final.BytesWritten, len(body))
	}
}

func TestManager_StartRefusesDuplicateOutputPathWhileLive(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", "5")
			w.WriteHeader(http.StatusOK)
			return
		}
		<-block // hold the GET open so the job stays live
	}))
	defer srv.Close()

	m, err := NewManager()
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.bin")

	handle, err := m.Start(context.Background(), srv.URL, outPath)
	if err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	defer func() {
		handle.Cancel()
		close(block)
	}()

	// Give the job a moment to register itself as live.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := m.Start(context.Background(), srv.URL, outPath); err != nil {
			fe, ok := err.(*internal.FetchError)
			if !ok || fe.Kind != internal.KindBusy {
				t.Fatalf("expected a Busy error, got %v", err)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected a second Start against the same output path to eventually return KindBusy")
}

func TestManager_CancelStopsJobAndPreservesStaging(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", "100")
			w.WriteHeader(http.StatusOK)
			return
		}
		<-block
	}))
	defer srv.Close()

	m, err := NewManager()
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.bin")

	handle, err := m.Start(context.Background(), srv.URL, outPath)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Wait until the job is at least past probing before cancelling.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && handle.Progress().State != StateDownloading {
		time.Sleep(5 * time.Millisecond)
	}

	handle.Cancel()
	close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait returned an error: %v", err)
	}
	if result.State != StateCancelled {
		t.Errorf("expected StateCancelled, got %s", result.State)
	}

	layout := newStagingLayout(outPath)
	if !layout.exists() {
		t.Error("expected staging directory to be retained after cancellation")
	}
}

func TestVerify_MatchesAndMismatches(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	content := []byte("verify this content end to end")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	sum := sha256.Sum256(content)
	goodHex := fmt.Sprintf("%x", sum)

	if err := Verify(path, DigestSHA256, goodHex); err != nil {
		t.Errorf("Verify with a correct digest should succeed, got: %v", err)
	}

	err := Verify(path, DigestSHA256, "0000000000000000000000000000000000000000000000000000000000000000")
	if err == nil {
		t.Fatal("expected Verify to fail on a digest mismatch")
	}
	fe, ok := err.(*internal.FetchError)
	if !ok || fe.Kind != internal.KindIntegrityMismatch {
		t.Errorf("expected an IntegrityMismatch error, got %v", err)
	}
}

func TestVerify_UnsupportedAlgorithm(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	err := Verify(path, DigestAlgorithm("crc32"), "deadbeef")
	if err == nil {
		t.Fatal("expected an error for an unsupported digest algorithm")
	}
}

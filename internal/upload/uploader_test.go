package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"putplace.dev/internal/model"
	"putplace.dev/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "assist.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedReadyForUpload creates a file on disk, discovers it, and drives it
// through the checksum stage so a queue_pending_upload entry exists and is
// claimed, mirroring what the Fingerprinter does in production.
func seedReadyForUpload(t *testing.T, ctx context.Context, s *store.Store, contents string) model.QueueEntry {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	root, err := s.CreateRoot(ctx, dir, true)
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	f, _, err := s.DiscoverFile(ctx, model.File{Path: path, RootID: root.ID, Size: info.Size(), MtimeNS: info.ModTime().UnixNano()})
	if err != nil {
		t.Fatalf("DiscoverFile: %v", err)
	}
	checksumEntries, err := s.Claim(ctx, model.QueuePendingChecksum, "w", 10, time.Minute)
	if err != nil || len(checksumEntries) != 1 {
		t.Fatalf("claim checksum: %v, %d", err, len(checksumEntries))
	}
	if _, _, err := s.CompleteFingerprint(ctx, checksumEntries[0].ID, f.ID, "deadbeef", info.Size(), info.ModTime().UnixNano()); err != nil {
		t.Fatalf("CompleteFingerprint: %v", err)
	}
	uploadEntries, err := s.Claim(ctx, model.QueuePendingUpload, "w", 10, time.Minute)
	if err != nil || len(uploadEntries) != 1 {
		t.Fatalf("claim upload: %v, %d", err, len(uploadEntries))
	}
	return uploadEntries[0]
}

func seedDefaultServer(t *testing.T, ctx context.Context, s *store.Store, baseURL string) model.Server {
	t.Helper()
	srv, err := s.CreateServer(ctx, model.Server{Name: "origin", BaseURL: baseURL, Username: "u", Secret: "s", IsDefault: true})
	if err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	return srv
}

func TestProcessOne_DedupSkipsContentUpload(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var uploadHit int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/put_file", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"upload_required": false})
	})
	mux.HandleFunc("/upload_file/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&uploadHit, 1)
		w.WriteHeader(http.StatusOK)
	})
	srvHTTP := httptest.NewServer(mux)
	defer srvHTTP.Close()

	seedDefaultServer(t, ctx, s, srvHTTP.URL)
	e := seedReadyForUpload(t, ctx, s, "hello world")

	u := New(s, 1, PolicyContent, 3*time.Second, 3*time.Second, 10, time.Second)
	u.processOne(ctx, e)

	if atomic.LoadInt32(&uploadHit) != 0 {
		t.Fatalf("content endpoint was hit even though upload_required was false")
	}
	f, err := s.File(ctx, e.FileID)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if f.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", f.Status)
	}
}

func TestProcessOne_StreamsContentWhenRequired(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var gotBody []byte
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/put_file", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"upload_required": true})
	})
	mux.HandleFunc("/upload_file/", func(w http.ResponseWriter, r *http.Request) {
		mr, err := r.MultipartReader()
		if err != nil {
			t.Errorf("MultipartReader: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		part, err := mr.NextPart()
		if err != nil {
			t.Errorf("NextPart: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		buf := make([]byte, 1024)
		n, _ := part.Read(buf)
		gotBody = buf[:n]
		w.WriteHeader(http.StatusOK)
	})
	srvHTTP := httptest.NewServer(mux)
	defer srvHTTP.Close()

	seedDefaultServer(t, ctx, s, srvHTTP.URL)
	e := seedReadyForUpload(t, ctx, s, "hello world")

	u := New(s, 1, PolicyContent, 3*time.Second, 3*time.Second, 10, time.Second)
	u.processOne(ctx, e)

	if string(gotBody) != "hello world" {
		t.Fatalf("server received %q, want %q", gotBody, "hello world")
	}
	f, err := s.File(ctx, e.FileID)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if f.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", f.Status)
	}
}

func TestProcessOne_ContentUploadUsesItsOwnLongerTimeout(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/put_file", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"upload_required": true})
	})
	mux.HandleFunc("/upload_file/", func(w http.ResponseWriter, r *http.Request) {
		// Slower than metadataTimeout but well within contentTimeout: this
		// only succeeds if UploadFile is bound by the content timeout, not
		// the metadata one.
		time.Sleep(150 * time.Millisecond)
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	})
	srvHTTP := httptest.NewServer(mux)
	defer srvHTTP.Close()

	seedDefaultServer(t, ctx, s, srvHTTP.URL)
	e := seedReadyForUpload(t, ctx, s, "hello world")

	u := New(s, 1, PolicyContent, 50*time.Millisecond, 3*time.Second, 10, time.Second)
	u.processOne(ctx, e)

	f, err := s.File(ctx, e.FileID)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if f.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed (content upload must use contentTimeout, not metadataTimeout)", f.Status)
	}
}

func TestProcessOne_SetsUploadingStatusDuringContentStream(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/put_file", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"upload_required": true})
	})
	mux.HandleFunc("/upload_file/", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	})
	srvHTTP := httptest.NewServer(mux)
	defer srvHTTP.Close()

	seedDefaultServer(t, ctx, s, srvHTTP.URL)
	e := seedReadyForUpload(t, ctx, s, "hello world")

	sawUploading := make(chan bool, 1)
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			f, err := s.File(ctx, e.FileID)
			if err == nil && f.Status == model.StatusUploading {
				sawUploading <- true
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		sawUploading <- false
	}()

	u := New(s, 1, PolicyContent, 3*time.Second, 3*time.Second, 10, time.Second)
	u.processOne(ctx, e)

	if !<-sawUploading {
		t.Fatalf("file never observed in status=uploading while its content was being streamed")
	}

	f, err := s.File(ctx, e.FileID)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if f.Status != model.StatusCompleted {
		t.Fatalf("final status = %s, want completed", f.Status)
	}
}

func TestProcessOne_MetadataOnlyPolicySkipsStreaming(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var uploadHit int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/put_file", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"upload_required": true})
	})
	mux.HandleFunc("/upload_file/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&uploadHit, 1)
		w.WriteHeader(http.StatusOK)
	})
	srvHTTP := httptest.NewServer(mux)
	defer srvHTTP.Close()

	seedDefaultServer(t, ctx, s, srvHTTP.URL)
	e := seedReadyForUpload(t, ctx, s, "hello world")

	u := New(s, 1, PolicyMetadataOnly, 3*time.Second, 3*time.Second, 10, time.Second)
	u.processOne(ctx, e)

	if atomic.LoadInt32(&uploadHit) != 0 {
		t.Fatalf("content endpoint was hit under a metadata-only policy")
	}
	f, err := s.File(ctx, e.FileID)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if f.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", f.Status)
	}
}

func TestProcessOne_UnauthorizedRetriesOnceThenFails(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var logins int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&logins, 1)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/put_file", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("token expired"))
	})
	srvHTTP := httptest.NewServer(mux)
	defer srvHTTP.Close()

	seedDefaultServer(t, ctx, s, srvHTTP.URL)
	e := seedReadyForUpload(t, ctx, s, "hello world")

	u := New(s, 1, PolicyContent, 3*time.Second, 3*time.Second, 10, time.Second)

	// First attempt: 401 evicts the cached token and reschedules with a
	// short backoff instead of failing the entry outright.
	u.processOne(ctx, e)
	f, err := s.File(ctx, e.FileID)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if f.Status != model.StatusReadyForUpload {
		t.Fatalf("status after 1st 401 = %s, want ready_for_upload", f.Status)
	}
	attempts, err := s.QueueEntryAttempts(ctx, e.ID)
	if err != nil {
		t.Fatalf("QueueEntryAttempts: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}

	// Second attempt: the entry has already been retried once after a 401,
	// so the next rejection is terminal.
	u.processOne(ctx, e)
	f, err = s.File(ctx, e.FileID)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if f.Status != model.StatusFailed {
		t.Fatalf("status after 2nd 401 = %s, want failed", f.Status)
	}
	if atomic.LoadInt32(&logins) < 2 {
		t.Fatalf("logins = %d, want at least 2 (token must be re-fetched after eviction)", logins)
	}
}

func TestProcessOne_TooManyRequestsIsRetried(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/put_file", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	})
	srvHTTP := httptest.NewServer(mux)
	defer srvHTTP.Close()

	seedDefaultServer(t, ctx, s, srvHTTP.URL)
	e := seedReadyForUpload(t, ctx, s, "hello world")

	u := New(s, 1, PolicyContent, 3*time.Second, 3*time.Second, 10, time.Second)
	u.processOne(ctx, e)

	f, err := s.File(ctx, e.FileID)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if f.Status != model.StatusReadyForUpload {
		t.Fatalf("status = %s, want ready_for_upload (429 must be retried, not terminal)", f.Status)
	}
	attempts, err := s.QueueEntryAttempts(ctx, e.ID)
	if err != nil {
		t.Fatalf("QueueEntryAttempts: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestProcessOne_BadRequestIsTerminal(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/put_file", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("malformed record"))
	})
	srvHTTP := httptest.NewServer(mux)
	defer srvHTTP.Close()

	seedDefaultServer(t, ctx, s, srvHTTP.URL)
	e := seedReadyForUpload(t, ctx, s, "hello world")

	u := New(s, 1, PolicyContent, 3*time.Second, 3*time.Second, 10, time.Second)
	u.processOne(ctx, e)

	f, err := s.File(ctx, e.FileID)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if f.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed (4xx other than 401/408/429 is terminal)", f.Status)
	}
}

func TestTriggerBatch_MetadataOnlyOverridesPoolDefaultForJustThatFile(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var uploadHit int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/put_file", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"upload_required": true})
	})
	mux.HandleFunc("/upload_file/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&uploadHit, 1)
		w.WriteHeader(http.StatusOK)
	})
	srvHTTP := httptest.NewServer(mux)
	defer srvHTTP.Close()

	seedDefaultServer(t, ctx, s, srvHTTP.URL)
	// seedReadyForUpload already claims the entry it creates; retire it so
	// TriggerBatch's own fresh Enqueue is the only pending_upload entry for
	// this file.
	e := seedReadyForUpload(t, ctx, s, "hello world")
	if err := s.Complete(ctx, e.ID); err != nil {
		t.Fatalf("Complete (retire seeded entry): %v", err)
	}

	// The Uploader's pool-wide default is PolicyContent, but TriggerBatch
	// pins PolicyMetadataOnly to this one file.
	u := New(s, 1, PolicyContent, 3*time.Second, 3*time.Second, 10, time.Second)
	f, err := s.File(ctx, e.FileID)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	queued := u.TriggerBatch(ctx, []model.File{f}, PolicyMetadataOnly)
	if queued != 1 {
		t.Fatalf("TriggerBatch queued = %d, want 1", queued)
	}

	entries, err := s.Claim(ctx, model.QueuePendingUpload, "w", 10, time.Minute)
	if err != nil || len(entries) != 1 {
		t.Fatalf("claim triggered entry: %v, %d", err, len(entries))
	}
	u.processOne(ctx, entries[0])

	if atomic.LoadInt32(&uploadHit) != 0 {
		t.Fatalf("content endpoint was hit even though TriggerBatch pinned PolicyMetadataOnly")
	}
	f, err = s.File(ctx, e.FileID)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if f.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", f.Status)
	}

	// The override is consumed once the entry completes: a later default
	// trigger for the same file must go back to the pool's PolicyContent.
	if _, ok := u.overrides[f.ID]; ok {
		t.Fatalf("override for file %d was not cleared after completion", f.ID)
	}
}

func TestBackoffFor_GrowsAndCaps(t *testing.T) {
	s := openTestStore(t)
	u := New(s, 1, PolicyContent, 3*time.Second, 3*time.Second, 10, time.Second)

	prev := time.Duration(0)
	for attempts := 0; attempts < 6; attempts++ {
		d := u.backoffFor(attempts)
		if d <= 0 {
			t.Fatalf("backoffFor(%d) = %v, want > 0", attempts, d)
		}
		if d < prev/2 {
			t.Fatalf("backoffFor(%d) = %v, should not shrink sharply from previous %v", attempts, d, prev)
		}
		prev = d
	}
	capped := u.backoffFor(20)
	if capped > maxBackoff+maxBackoff/5 {
		t.Fatalf("backoffFor(20) = %v, want capped near %v", capped, maxBackoff)
	}
}

func TestCredential_CachesValidTokenAcrossCalls(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var logins int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&logins, 1)
		json.NewEncoder(w).Encode(map[string]any{"access_token": fmt.Sprintf("tok-%d", logins), "expires_in": 3600})
	})
	srvHTTP := httptest.NewServer(mux)
	defer srvHTTP.Close()

	srv := seedDefaultServer(t, ctx, s, srvHTTP.URL)

	u := New(s, 1, PolicyContent, 3*time.Second, 3*time.Second, 10, time.Second)
	first, err := u.credential(ctx, srv)
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	refreshed, err := s.DefaultServer(ctx)
	if err != nil {
		t.Fatalf("DefaultServer: %v", err)
	}
	second, err := u.credential(ctx, refreshed)
	if err != nil {
		t.Fatalf("credential (2nd): %v", err)
	}
	if first != second {
		t.Fatalf("credential refetched a still-valid token: %q != %q", first, second)
	}
	if atomic.LoadInt32(&logins) != 1 {
		t.Fatalf("logins = %d, want 1 (token should be cached)", logins)
	}
}

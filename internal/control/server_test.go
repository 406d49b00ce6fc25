package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"putplace.dev/internal/activity"
	"putplace.dev/internal/model"
	"putplace.dev/internal/scanner"
	"putplace.dev/internal/store"
	"putplace.dev/internal/upload"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "assist.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	broker := activity.NewBroker()
	s.SetAppendHook(broker.Publish)
	sc := scanner.New(s)
	up := upload.New(s, 1, upload.PolicyContent, 3*time.Second, 3*time.Second, 10, time.Second)
	cs := New(s, sc, nil, up, broker, "test", time.Now())
	return cs, s
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHandleHealth_ReportsStoreOK(t *testing.T) {
	cs, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	cs.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	var body map[string]any
	decodeJSON(t, rec, &body)
	if body["store_ok"] != true {
		t.Fatalf("body = %+v, want store_ok true", body)
	}
}

func TestHandleStatus_ReportsQueueDepths(t *testing.T) {
	cs, s := newTestServer(t)
	ctx := context.Background()
	root, err := s.CreateRoot(ctx, "/tmp/whatever", true)
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}
	if _, _, err := s.DiscoverFile(ctx, model.File{Path: "/tmp/whatever/a.txt", RootID: root.ID, Size: 1}); err != nil {
		t.Fatalf("DiscoverFile: %v", err)
	}

	rec := httptest.NewRecorder()
	cs.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	var body map[string]any
	decodeJSON(t, rec, &body)
	if body["pending_sha256"].(float64) != 1 {
		t.Fatalf("pending_sha256 = %v, want 1", body["pending_sha256"])
	}
	if body["version"] != "test" {
		t.Fatalf("version = %v, want test", body["version"])
	}
}

func TestHandleCreateRoot_PersistsAndReturns(t *testing.T) {
	cs, s := newTestServer(t)
	body := strings.NewReader(`{"path":"/data/photos","recursive":true}`)
	rec := httptest.NewRecorder()
	cs.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/roots", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("code = %d, want 201, body=%s", rec.Code, rec.Body.String())
	}
	var dto rootDTO
	decodeJSON(t, rec, &dto)
	if dto.Path != "/data/photos" || !dto.Recursive {
		t.Fatalf("dto = %+v", dto)
	}
	roots, err := s.ListRoots(context.Background())
	if err != nil || len(roots) != 1 {
		t.Fatalf("ListRoots: %v, %d", err, len(roots))
	}
}

func TestHandleCreateRoot_ConflictReturnsExisting(t *testing.T) {
	cs, _ := newTestServer(t)
	body1 := strings.NewReader(`{"path":"/data/photos","recursive":true}`)
	rec1 := httptest.NewRecorder()
	cs.ServeHTTP(rec1, httptest.NewRequest(http.MethodPost, "/roots", body1))
	if rec1.Code != http.StatusCreated {
		t.Fatalf("1st code = %d, want 201", rec1.Code)
	}

	body2 := strings.NewReader(`{"path":"/data/photos","recursive":true}`)
	rec2 := httptest.NewRecorder()
	cs.ServeHTTP(rec2, httptest.NewRequest(http.MethodPost, "/roots", body2))
	if rec2.Code != http.StatusConflict {
		t.Fatalf("2nd code = %d, want 409", rec2.Code)
	}
}

func TestHandleCreateServer_ResponseOmitsSecret(t *testing.T) {
	cs, _ := newTestServer(t)
	body := strings.NewReader(`{"name":"origin","base_url":"https://example.com","username":"u","password":"super-secret"}`)
	rec := httptest.NewRecorder()
	cs.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/servers", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("code = %d, want 201, body=%s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "super-secret") {
		t.Fatalf("response leaked the server secret: %s", rec.Body.String())
	}
	var dto serverDTO
	decodeJSON(t, rec, &dto)
	if dto.Name != "origin" || dto.Username != "u" {
		t.Fatalf("dto = %+v", dto)
	}
}

func TestHandleListFiles_FiltersByPathPrefix(t *testing.T) {
	cs, s := newTestServer(t)
	ctx := context.Background()
	root, _ := s.CreateRoot(ctx, "/data", true)
	if _, _, err := s.DiscoverFile(ctx, model.File{Path: "/data/a.txt", RootID: root.ID, Size: 1}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.DiscoverFile(ctx, model.File{Path: "/data/sub/b.txt", RootID: root.ID, Size: 1}); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	cs.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files?path_prefix=/data/sub", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	var files []fileDTO
	decodeJSON(t, rec, &files)
	if len(files) != 1 || files[0].Path != "/data/sub/b.txt" {
		t.Fatalf("files = %+v", files)
	}
}

func TestHandleTriggerUploads_QueuesReadyFiles(t *testing.T) {
	cs, s := newTestServer(t)
	ctx := context.Background()
	root, _ := s.CreateRoot(ctx, "/data", true)
	f, _, err := s.DiscoverFile(ctx, model.File{Path: "/data/a.txt", RootID: root.ID, Size: 1})
	if err != nil {
		t.Fatal(err)
	}
	entries, err := s.Claim(ctx, model.QueuePendingChecksum, "w", 10, time.Minute)
	if err != nil || len(entries) != 1 {
		t.Fatalf("claim checksum: %v, %d", err, len(entries))
	}
	if _, _, err := s.CompleteFingerprint(ctx, entries[0].ID, f.ID, "deadbeef", 1, 1); err != nil {
		t.Fatalf("CompleteFingerprint: %v", err)
	}
	// Drain the queue entry CompleteFingerprint already enqueued so the
	// endpoint's own re-enqueue is what's under test.
	if _, err := s.Claim(ctx, model.QueuePendingUpload, "w", 10, time.Minute); err != nil {
		t.Fatalf("drain claim: %v", err)
	}

	rec := httptest.NewRecorder()
	cs.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/uploads", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	decodeJSON(t, rec, &body)
	if body["files_queued"].(float64) != 1 {
		t.Fatalf("files_queued = %v, want 1", body["files_queued"])
	}
}

func TestHandleListActivity_FiltersBySinceID(t *testing.T) {
	cs, s := newTestServer(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, model.ActivityEvent{Kind: model.KindError, Message: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	rec := httptest.NewRecorder()
	cs.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/activity?since_id=1", nil))
	var events []activityDTO
	decodeJSON(t, rec, &events)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 (ids 2 and 3)", len(events))
	}
}

func TestHandleActivityStream_DeliversNewEventsAfterCursor(t *testing.T) {
	cs, s := newTestServer(t)
	ctx := context.Background()
	first, err := s.Append(ctx, model.ActivityEvent{Kind: model.KindError, Message: "before"})
	if err != nil {
		t.Fatal(err)
	}

	srvHTTP := httptest.NewServer(cs)
	defer srvHTTP.Close()

	req, err := http.NewRequest(http.MethodGet, srvHTTP.URL+"/activity/stream?since_id="+strconv.FormatInt(first.ID, 10), nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /activity/stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	if _, err := s.Append(ctx, model.ActivityEvent{Kind: model.KindError, Message: "after"}); err != nil {
		t.Fatal(err)
	}

	reader := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(5 * time.Second)
	var dataLine string
	for time.Now().Before(deadline) {
		line, rerr := reader.ReadString('\n')
		if rerr != nil {
			t.Fatalf("read SSE stream: %v", rerr)
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	if dataLine == "" {
		t.Fatal("did not receive an SSE data line before the deadline")
	}
	var evt activityDTO
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSuffix(dataLine, "\n"), "data: ")), &evt); err != nil {
		t.Fatalf("unmarshal SSE payload %q: %v", dataLine, err)
	}
	if evt.Message != "after" {
		t.Fatalf("first delivered event = %+v, want message=after", evt)
	}
}

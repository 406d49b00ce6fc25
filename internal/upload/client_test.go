package upload

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"putplace.dev/internal/model"
)

func TestLogin_ParsesTokenAndExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/login" {
			t.Errorf("path = %s, want /api/login", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "abc123", "expires_in": 120})
	}))
	defer srv.Close()

	rc := NewRemoteClient(3*time.Second, 3*time.Second)
	before := time.Now()
	token, expiry, err := rc.Login(context.Background(), model.Server{BaseURL: srv.URL, Username: "u", Secret: "p"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token != "abc123" {
		t.Fatalf("token = %q, want abc123", token)
	}
	if expiry.Before(before.Add(119 * time.Second)) {
		t.Fatalf("expiry = %v, too soon", expiry)
	}
}

func TestLogin_MissingExpiryDefaultsToOneHour(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "abc123"})
	}))
	defer srv.Close()

	rc := NewRemoteClient(3*time.Second, 3*time.Second)
	before := time.Now()
	_, expiry, err := rc.Login(context.Background(), model.Server{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if expiry.Before(before.Add(59 * time.Minute)) {
		t.Fatalf("expiry = %v, want ~1h out", expiry)
	}
}

func TestLogin_NonOKStatusReturnsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("bad credentials"))
	}))
	defer srv.Close()

	rc := NewRemoteClient(3*time.Second, 3*time.Second)
	_, _, err := rc.Login(context.Background(), model.Server{BaseURL: srv.URL})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusForbidden {
		t.Fatalf("code = %d, want 403", se.Code)
	}
}

func TestPutFile_SendsBearerTokenAndDecodesResponse(t *testing.T) {
	var gotAuth string
	var gotRec MetadataRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotRec)
		json.NewEncoder(w).Encode(map[string]any{"upload_required": true, "upload_url": "/upload_file/deadbeef"})
	}))
	defer srv.Close()

	rc := NewRemoteClient(3*time.Second, 3*time.Second)
	required, uploadURL, err := rc.PutFile(context.Background(), model.Server{BaseURL: srv.URL}, "tok", MetadataRecord{
		FilePath: "/x/a.txt", SHA256: "deadbeef", FileSize: 5,
	})
	if err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotRec.SHA256 != "deadbeef" {
		t.Fatalf("server did not receive sha256, got %+v", gotRec)
	}
	if !required || uploadURL != "/upload_file/deadbeef" {
		t.Fatalf("required=%v url=%q, want true/deadbeef path", required, uploadURL)
	}
}

func TestUploadFile_StreamsBodyAsMultipart(t *testing.T) {
	content := strings.Repeat("x", chunkSize+1234) // span more than one chunkedReader.Read
	var gotQuery string
	var gotLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		mr, err := r.MultipartReader()
		if err != nil {
			t.Fatalf("MultipartReader: %v", err)
		}
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		buf := make([]byte, 0, len(content)+16)
		tmp := make([]byte, 4096)
		for {
			n, rerr := part.Read(tmp)
			buf = append(buf, tmp[:n]...)
			if rerr != nil {
				break
			}
		}
		gotLen = len(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rc := NewRemoteClient(1*time.Second, 5*time.Second)
	var progressCalls int
	err := rc.UploadFile(context.Background(), model.Server{BaseURL: srv.URL}, "tok", "deadbeef",
		strings.NewReader(content), int64(len(content)), "host1", "/x/a.txt",
		func(sent, total int64) { progressCalls++ })
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if gotLen != len(content) {
		t.Fatalf("server received %d bytes, want %d", gotLen, len(content))
	}
	if !strings.Contains(gotQuery, "filepath=") || !strings.Contains(gotQuery, "hostname=host1") {
		t.Fatalf("query = %q, missing expected params", gotQuery)
	}
}

func TestUploadFile_NonOKStatusReturnsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("busy"))
	}))
	defer srv.Close()

	rc := NewRemoteClient(1*time.Second, 3*time.Second)
	err := rc.UploadFile(context.Background(), model.Server{BaseURL: srv.URL}, "tok", "deadbeef",
		strings.NewReader("hi"), 2, "host1", "/x/a.txt", nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", se.Code)
	}
	if se.RetryAfter != 5*time.Second {
		t.Fatalf("RetryAfter = %v, want 5s", se.RetryAfter)
	}
}

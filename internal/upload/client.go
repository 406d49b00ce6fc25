package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"putplace.dev/internal/model"
)

// chunkSize bounds each read passed to the network (spec.md §4.4
// "Large-file streaming": "chunked reads (≤64 KiB)").
const chunkSize = 64 * 1024

// StatusError carries the HTTP status code of a non-2xx response so the
// caller can classify it per spec.md §7's taxonomy.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote server: status %d: %s", e.Code, e.Body)
}

// RemoteClient speaks the wire protocol in spec.md §6 ("Remote server
// protocol (consumed by Uploader)"). Login and PutFile are short metadata
// calls; UploadFile streams file content and needs a much longer deadline,
// so it gets its own http.Client rather than sharing HTTP's timeout
// (spec.md §5's differentiated metadata/content timeouts).
type RemoteClient struct {
	HTTP    *http.Client
	Content *http.Client
}

// NewRemoteClient returns a RemoteClient using metadataTimeout for
// Login/PutFile and contentTimeout for UploadFile.
func NewRemoteClient(metadataTimeout, contentTimeout time.Duration) *RemoteClient {
	return &RemoteClient{
		HTTP:    &http.Client{Timeout: metadataTimeout},
		Content: &http.Client{Timeout: contentTimeout},
	}
}

// loginResponse mirrors POST /api/login's body.
type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"` // seconds; servers that omit this get a conservative default
}

// Login exchanges srv's stored credential for a bearer token.
func (rc *RemoteClient) Login(ctx context.Context, srv model.Server) (token string, expiry time.Time, err error) {
	body, _ := json.Marshal(map[string]string{"username": srv.Username, "password": srv.Secret})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.BaseURL+"/api/login", bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := rc.HTTP.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", time.Time{}, statusErrorFrom(resp)
	}
	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", time.Time{}, err
	}
	ttl := time.Duration(lr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return lr.AccessToken, time.Now().Add(ttl), nil
}

// MetadataRecord is the wire shape POSTed to put_file (spec.md §6
// "Metadata record (wire)").
type MetadataRecord struct {
	FilePath   string  `json:"filepath"`
	Hostname   string  `json:"hostname"`
	IPAddress  string  `json:"ip_address"`
	SHA256     string  `json:"sha256"`
	FileSize   int64   `json:"file_size"`
	FileMode   uint32  `json:"file_mode"`
	FileUID    uint32  `json:"file_uid"`
	FileGID    uint32  `json:"file_gid"`
	FileMtime  float64 `json:"file_mtime"`
	FileAtime  float64 `json:"file_atime"`
	FileCtime  float64 `json:"file_ctime"`
	IsSymlink  bool    `json:"is_symlink"`
	LinkTarget string  `json:"link_target"`
}

type putFileResponse struct {
	UploadRequired bool   `json:"upload_required"`
	UploadURL      string `json:"upload_url"`
}

// PutFile posts rec to put_file and reports whether content upload is
// still required.
func (rc *RemoteClient) PutFile(ctx context.Context, srv model.Server, token string, rec MetadataRecord) (uploadRequired bool, uploadURL string, err error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return false, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.BaseURL+"/put_file", bytes.NewReader(body))
	if err != nil {
		return false, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := rc.HTTP.Do(req)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return false, "", statusErrorFrom(resp)
	}
	var pr putFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return false, "", err
	}
	return pr.UploadRequired, pr.UploadURL, nil
}

// ProgressFunc is invoked periodically during UploadFile with the number of
// bytes sent so far.
type ProgressFunc func(bytesUploaded, fileSize int64)

// chunkedReader wraps an io.Reader so every Read the multipart writer
// performs is bounded by chunkSize and reports progress, satisfying
// spec.md §4.4's streaming and progress requirements without ever
// buffering the whole file.
type chunkedReader struct {
	r        io.Reader
	total    int64
	progress ProgressFunc
	fileSize int64
	lastTick time.Time
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(p) > chunkSize {
		p = p[:chunkSize]
	}
	n, err := c.r.Read(p)
	if n > 0 {
		c.total += int64(n)
		if c.progress != nil && time.Since(c.lastTick) > 200*time.Millisecond {
			c.progress(c.total, c.fileSize)
			c.lastTick = time.Now()
		}
	}
	return n, err
}

// UploadFile streams path's content to upload_file/{sha256} as a single
// multipart body, never buffering the whole file in memory
// (spec.md §4.4 step 3).
func (rc *RemoteClient) UploadFile(ctx context.Context, srv model.Server, token, sha256sum string, content io.Reader, size int64, hostname, filepath string, progress ProgressFunc) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("file", sha256sum)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		cr := &chunkedReader{r: content, fileSize: size, progress: progress, lastTick: time.Now()}
		if _, err := io.Copy(part, cr); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := mw.Close(); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()

	q := url.Values{"hostname": {hostname}, "filepath": {filepath}}
	endpoint := srv.BaseURL + "/upload_file/" + sha256sum + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	req.ContentLength = -1 // streamed; size is not known to the transport ahead of multipart framing

	resp, err := rc.Content.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusErrorFrom(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func statusErrorFrom(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	se := &StatusError{Code: resp.StatusCode, Body: string(body)}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			se.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return se
}

// Package upload implements the Assist daemon's Uploader component
// (spec.md §4.4): a bounded worker pool draining queue_pending_upload by
// sending metadata and content to the default remote Server.
package upload

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"go4.org/syncutil"

	applog "putplace.dev/internal/log"
	"putplace.dev/internal/model"
	"putplace.dev/internal/store"
)

var logger = applog.Component("uploader")

const (
	defaultBatch  = 1
	defaultLease  = 10 * time.Minute
	backoffFactor = 2.0
	maxBackoff    = 2 * time.Minute

	// authRetryMsg is the last_error recorded after a first 401, which is
	// how a repeated 401 is recognized on the next attempt.
	authRetryMsg = "authentication expired, retrying"
)

// Policy controls whether content is streamed to the server in addition to
// metadata (spec.md §4.4 step 3 "if the policy is 'content'").
type Policy int

const (
	PolicyContent Policy = iota
	PolicyMetadataOnly
)

// Uploader drains queue_pending_upload with a bounded pool of independent
// workers coordinated only through Store claim semantics
// (spec.md §4.4 "Pool model").
type Uploader struct {
	store         *store.Store
	client        *RemoteClient
	parallel      int
	policy        Policy
	hostname      string
	retryAttempts int
	retryDelay    time.Duration

	// fdGate bounds concurrent open file descriptors across workers,
	// independent of the worker count, the same role as pk-put's fdGate
	// ("gate things that waste fds, assuming a low system limit").
	fdGate *syncutil.Gate
	wg     sync.WaitGroup

	// overrideMu/overrides let TriggerBatch pin a one-off policy to a
	// specific file regardless of which pool worker ends up claiming its
	// queue entry (spec.md §4.5 "trigger({upload_content, ...})").
	overrideMu sync.Mutex
	overrides  map[int64]Policy
}

// New returns an Uploader with parallel workers (capped at 8 per
// spec.md §4.4) using metadataTimeout/contentTimeout for their respective
// HTTP calls. retryAttempts/retryDelay come from the uploader TOML
// section's "retry attempts, retry delay" (spec.md §6).
func New(s *store.Store, parallel int, policy Policy, metadataTimeout, contentTimeout time.Duration, retryAttempts int, retryDelay time.Duration) *Uploader {
	if parallel <= 0 {
		parallel = 2
	}
	if parallel > 8 {
		parallel = 8
	}
	if retryAttempts <= 0 {
		retryAttempts = 10
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	host, _ := os.Hostname()
	return &Uploader{
		store:         s,
		client:        NewRemoteClient(metadataTimeout, contentTimeout),
		parallel:      parallel,
		policy:        policy,
		hostname:      host,
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
		fdGate:        syncutil.NewGate(100),
		overrides:     make(map[int64]Policy),
	}
}

// TriggerBatch enqueues files for upload and pins policy to each one,
// overriding the Uploader's pool-wide default for just this batch
// (spec.md §4.5 "trigger({upload_content, path_prefix?, limit?})" — a
// caller can request a metadata-only pass without changing how the
// continuously-running pool workers behave for everything else). It
// returns the number of files actually enqueued.
func (u *Uploader) TriggerBatch(ctx context.Context, files []model.File, policy Policy) int {
	queued := 0
	for _, f := range files {
		u.setOverride(f.ID, policy)
		if err := u.store.Enqueue(ctx, f.ID, model.QueuePendingUpload); err != nil {
			logger.Warn().Err(err).Int64("file_id", f.ID).Msg("enqueue upload")
			u.clearOverride(f.ID)
			continue
		}
		queued++
	}
	return queued
}

func (u *Uploader) setOverride(fileID int64, policy Policy) {
	u.overrideMu.Lock()
	u.overrides[fileID] = policy
	u.overrideMu.Unlock()
}

func (u *Uploader) clearOverride(fileID int64) {
	u.overrideMu.Lock()
	delete(u.overrides, fileID)
	u.overrideMu.Unlock()
}

// policyFor returns any override pinned to fileID, falling back to the
// Uploader's pool-wide default. The override stays pinned across retries
// of the same file and is released by clearOverride once the entry
// reaches a terminal state.
func (u *Uploader) policyFor(fileID int64) Policy {
	u.overrideMu.Lock()
	defer u.overrideMu.Unlock()
	if p, ok := u.overrides[fileID]; ok {
		return p
	}
	return u.policy
}

// Run launches parallel claim loops and blocks until ctx is cancelled and
// every in-flight upload has observed the cancellation
// (spec.md §5 "Cancellation and timeouts").
func (u *Uploader) Run(ctx context.Context) {
	for i := 0; i < u.parallel; i++ {
		u.wg.Add(1)
		go func(workerID string) {
			defer u.wg.Done()
			u.loop(ctx, workerID)
		}(workerIDFor(i))
	}
	u.wg.Wait()
}

func workerIDFor(i int) string {
	const letters = "abcdefgh"
	return "uploader-" + string(letters[i%len(letters)])
}

func (u *Uploader) loop(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		entries, err := u.store.Claim(ctx, model.QueuePendingUpload, workerID, defaultBatch, defaultLease)
		if err != nil {
			logger.Error().Err(err).Msg("claim")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(entries) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		for _, e := range entries {
			u.processOne(ctx, e)
		}
	}
}

func (u *Uploader) processOne(ctx context.Context, e model.QueueEntry) {
	f, err := u.store.File(ctx, e.FileID)
	if err != nil {
		logger.Error().Err(err).Int64("file_id", e.FileID).Msg("load file")
		return
	}

	srv, err := u.store.DefaultServer(ctx)
	if err != nil {
		u.fail(ctx, e, f, "no default server configured", time.Minute)
		return
	}

	token, err := u.credential(ctx, srv)
	if err != nil {
		u.fail(ctx, e, f, "login failed: "+err.Error(), u.backoffFor(1))
		return
	}

	info, statErr := os.Stat(f.Path)
	if statErr != nil {
		u.fail(ctx, e, f, "stat failed: "+statErr.Error(), time.Minute)
		return
	}

	rec := MetadataRecord{
		FilePath:   f.Path,
		Hostname:   u.hostname,
		IPAddress:  localIP(),
		SHA256:     f.SHA256,
		FileSize:   f.Size,
		FileMode:   f.Mode,
		FileUID:    f.UID,
		FileGID:    f.GID,
		FileMtime:  float64(f.MtimeNS) / 1e9,
		FileAtime:  float64(f.MtimeNS) / 1e9,
		FileCtime:  float64(f.MtimeNS) / 1e9,
		IsSymlink:  f.IsSymlink,
		LinkTarget: f.LinkTarget,
	}

	u.event(ctx, model.KindUploadStarted, f, map[string]any{"file_size": f.Size})

	uploadRequired, _, err := u.client.PutFile(ctx, srv, token, rec)
	if err != nil {
		u.handleTransportError(ctx, e, f, srv, err)
		return
	}

	if uploadRequired && u.policyFor(f.ID) == PolicyContent {
		if err := u.store.SetFileStatus(ctx, f.ID, model.StatusUploading, ""); err != nil {
			logger.Warn().Err(err).Msg("mark file uploading")
		}
		if err := u.streamContent(ctx, srv, token, f, info.Size()); err != nil {
			u.handleTransportError(ctx, e, f, srv, err)
			return
		}
	}

	if err := u.store.CompleteUpload(ctx, e.ID, f.ID); err != nil {
		logger.Error().Err(err).Int64("file_id", f.ID).Msg("complete upload")
		return
	}
	u.clearOverride(f.ID)
	u.event(ctx, model.KindUploadComplete, f, nil)
}

func (u *Uploader) streamContent(ctx context.Context, srv model.Server, token string, f model.File, size int64) error {
	u.fdGate.Start()
	defer u.fdGate.Done()

	file, err := os.Open(f.Path)
	if err != nil {
		return err
	}
	defer file.Close()

	progress := func(sent, total int64) {
		pct := 0.0
		if total > 0 {
			pct = 100 * float64(sent) / float64(total)
		}
		u.event(ctx, model.KindUploadProgress, f, map[string]any{"bytes_uploaded": sent, "progress_percent": pct})
	}
	return u.client.UploadFile(ctx, srv, token, f.SHA256, file, size, u.hostname, f.Path, progress)
}

// credential returns a valid bearer token for srv, refreshing and caching
// it if necessary (spec.md §4.4 step 1).
func (u *Uploader) credential(ctx context.Context, srv model.Server) (string, error) {
	if srv.TokenValid(time.Now()) {
		return srv.Token, nil
	}
	token, expiry, err := u.client.Login(ctx, srv)
	if err != nil {
		logger.Warn().Err(err).Str("server", srv.Name).Str("username", srv.Username).Msg("login failed")
		return "", err
	}
	if err := u.store.UpdateServerToken(ctx, srv.ID, token, expiry); err != nil {
		logger.Warn().Err(err).Str("server", srv.Name).Str("token", applog.Redact(token)).Msg("cache token")
	}
	return token, nil
}

// handleTransportError classifies err per spec.md §4.4's taxonomy and
// either retries with backoff, retries once after a token refresh, or
// marks the entry terminally failed.
func (u *Uploader) handleTransportError(ctx context.Context, e model.QueueEntry, f model.File, srv model.Server, err error) {
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == 401:
			if evictErr := u.store.EvictServerToken(ctx, srv.ID); evictErr != nil {
				logger.Warn().Err(evictErr).Msg("evict token")
			}
			if f.LastError == authRetryMsg {
				// already retried once after a 401; give up on this entry
				u.terminalFail(ctx, e, f, "authentication repeatedly rejected")
				u.warn(ctx, f, "authentication repeatedly rejected")
				return
			}
			u.fail(ctx, e, f, authRetryMsg, time.Second)
			return
		case se.Code == 429 || se.Code == 408 || se.Code/100 == 5:
			wait := se.RetryAfter
			if wait <= 0 {
				attempts, _ := u.store.QueueEntryAttempts(ctx, e.ID)
				wait = u.backoffFor(attempts)
			}
			u.fail(ctx, e, f, err.Error(), wait)
			return
		default:
			u.terminalFail(ctx, e, f, err.Error())
			return
		}
	}

	// Network errors and mid-stream cancellations are transient.
	if ctx.Err() != nil {
		return // shutting down; leave the claim to expire and be re-picked up
	}
	attempts, _ := u.store.QueueEntryAttempts(ctx, e.ID)
	u.fail(ctx, e, f, err.Error(), u.backoffFor(attempts))
}

func (u *Uploader) fail(ctx context.Context, e model.QueueEntry, f model.File, msg string, backoff time.Duration) {
	attempts, _ := u.store.QueueEntryAttempts(ctx, e.ID)
	if attempts+1 >= u.retryAttempts {
		u.terminalFail(ctx, e, f, msg)
		return
	}
	if err := u.store.Fail(ctx, e.ID, msg, backoff); err != nil {
		logger.Error().Err(err).Msg("reschedule entry")
	}
	if err := u.store.SetFileStatus(ctx, f.ID, model.StatusReadyForUpload, msg); err != nil {
		logger.Warn().Err(err).Msg("record last_error")
	}
}

func (u *Uploader) terminalFail(ctx context.Context, e model.QueueEntry, f model.File, msg string) {
	if err := u.store.Complete(ctx, e.ID); err != nil {
		logger.Error().Err(err).Msg("complete terminal-failed entry")
	}
	if err := u.store.SetFileStatus(ctx, f.ID, model.StatusFailed, msg); err != nil {
		logger.Error().Err(err).Msg("mark file failed")
	}
	u.clearOverride(f.ID)
	u.event(ctx, model.KindUploadFailed, f, map[string]any{"error": msg})
}

func (u *Uploader) warn(ctx context.Context, f model.File, msg string) {
	if _, err := u.store.Append(ctx, model.ActivityEvent{Kind: model.KindError, FilePath: f.Path, RootID: f.RootID, Message: msg}); err != nil {
		logger.Warn().Err(err).Msg("append warning event")
	}
}

func (u *Uploader) event(ctx context.Context, kind model.ActivityKind, f model.File, details map[string]any) {
	if _, err := u.store.Append(ctx, model.ActivityEvent{Kind: kind, FilePath: f.Path, RootID: f.RootID, Details: details}); err != nil {
		logger.Warn().Err(err).Msg("append activity event")
	}
}

// backoffFor returns retryDelay*factor^attempts with jitter, capped at
// maxBackoff (spec.md §4.4 "exponential backoff (base 1 s, factor 2,
// jitter, capped)"; the base comes from the uploader TOML section's
// retry_delay_ms, spec.md §6).
func (u *Uploader) backoffFor(attempts int) time.Duration {
	d := float64(u.retryDelay)
	for i := 0; i < attempts; i++ {
		d *= backoffFactor
		if d >= float64(maxBackoff) {
			d = float64(maxBackoff)
			break
		}
	}
	jitter := 1 + (rand.Float64()-0.5)*0.2 // ±10%
	d *= jitter
	if d > float64(maxBackoff) {
		d = float64(maxBackoff)
	}
	return time.Duration(d)
}

func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

package control

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"putplace.dev/internal/model"
	"putplace.dev/internal/store"
)

type activityDTO struct {
	ID        int64          `json:"id"`
	CreatedAt string         `json:"created_at"`
	Kind      string         `json:"kind"`
	FilePath  string         `json:"file_path,omitempty"`
	RootID    int64          `json:"root_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func toActivityDTO(e model.ActivityEvent) activityDTO {
	return activityDTO{
		ID: e.ID, CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano), Kind: string(e.Kind),
		FilePath: e.FilePath, RootID: e.RootID, Message: e.Message, Details: e.Details,
	}
}

// handleListActivity serves the polling list({limit, since_id?, kind?})
// endpoint (spec.md §4.5 "Activity").
func (cs *Server) handleListActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ActivityFilter{Kind: model.ActivityKind(q.Get("kind"))}
	if since, err := strconv.ParseInt(q.Get("since_id"), 10, 64); err == nil {
		filter.SinceID = since
	}
	if lim, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = lim
	}
	events, err := cs.store.Read(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]activityDTO, len(events))
	for i, e := range events {
		out[i] = toActivityDTO(e)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleActivityStream serves chronological server-sent events from a
// cursor (spec.md §4.5 "stream providing server-sent events in
// chronological order from a cursor"). It subscribes to the in-process
// Broker purely to wake promptly on new events; every event it emits is
// re-read from the Store, so a missed wake-up only delays delivery, never
// loses data (spec.md §5 "slow consumers never block producers").
func (cs *Server) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var cursor int64
	if since, err := strconv.ParseInt(r.URL.Query().Get("since_id"), 10, 64); err == nil {
		cursor = since
	} else if latest, err := cs.store.LatestActivityID(r.Context()); err == nil {
		cursor = latest
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := cs.broker.Subscribe()
	defer cs.broker.Unsubscribe(sub)

	ticker := time.NewTicker(15 * time.Second) // keepalive for proxies with idle timeouts
	defer ticker.Stop()

	ctx := r.Context()
	for {
		events, err := cs.store.Read(ctx, store.ActivityFilter{SinceID: cursor, Limit: 500})
		if err != nil {
			return
		}
		for _, e := range events {
			if err := writeSSEEvent(w, e); err != nil {
				return
			}
			cursor = e.ID
		}
		flusher.Flush()

		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub:
			if !ok {
				return
			}
		case <-ticker.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, e model.ActivityEvent) error {
	payload, err := json.Marshal(toActivityDTO(e))
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("id: " + strconv.FormatInt(e.ID, 10) + "\n")); err != nil {
		return err
	}
	if _, err := w.Write(append(append([]byte("data: "), payload...), '\n', '\n')); err != nil {
		return err
	}
	return nil
}

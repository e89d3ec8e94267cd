package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shipsec/shipsec/internal/store"
)

const (
	sseReplayBatch = 256
	sseHeartbeat   = 15 * time.Second
)

// handleRunLogs streams a run's event log as Server-Sent Events: everything
// already persisted is replayed from the store, then live events are tailed
// off the bus. Reconnecting clients resume with Last-Event-ID.
func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.deps.Store.GetRun(r.Context(), runID); err != nil {
		writeStoreError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	after := int64(0)
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		after, _ = strconv.ParseInt(v, 10, 64)
	} else if v := r.URL.Query().Get("after"); v != "" {
		after, _ = strconv.ParseInt(v, 10, 64)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Subscribe before replaying so nothing emitted mid-replay is lost;
	// duplicates are dropped by seq below.
	live, unsub := s.deps.Bus.Subscribe(runID)
	defer unsub()

	lastSeq := after
	terminal := false
	for {
		batch, err := s.deps.Store.EventsSince(r.Context(), runID, lastSeq, sseReplayBatch)
		if err != nil {
			return
		}
		for _, ev := range batch {
			writeEvent(w, ev)
			lastSeq = ev.Seq
			if isTerminalEvent(ev.Kind) {
				terminal = true
			}
		}
		flusher.Flush()
		if len(batch) < sseReplayBatch {
			break
		}
	}
	if terminal {
		fmt.Fprint(w, "event: done\ndata: {}\n\n")
		flusher.Flush()
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			// A dropped slow subscriber shows up as a seq gap; backfill from
			// the store before emitting the live event.
			if ev.Seq > lastSeq+1 {
				gap, err := s.deps.Store.EventsSince(ctx, runID, lastSeq, sseReplayBatch)
				if err == nil {
					for _, g := range gap {
						if g.Seq >= ev.Seq {
							break
						}
						writeEvent(w, g)
						lastSeq = g.Seq
					}
				}
			}
			writeEvent(w, ev)
			lastSeq = ev.Seq
			flusher.Flush()
			if isTerminalEvent(ev.Kind) {
				fmt.Fprint(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev store.RunEvent) {
	var data any
	if len(ev.DataJSON) > 0 {
		_ = json.Unmarshal(ev.DataJSON, &data)
	}
	body, err := json.Marshal(map[string]any{
		"seq":       ev.Seq,
		"runId":     ev.RunID,
		"nodeId":    ev.NodeID,
		"kind":      ev.Kind,
		"data":      data,
		"createdAt": ev.CreatedAt,
	})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, body)
}

func isTerminalEvent(kind string) bool {
	switch {
	case !strings.HasPrefix(kind, "run."):
		return false
	case kind == "run."+string(store.RunSucceeded),
		kind == "run."+string(store.RunFailed),
		kind == "run."+string(store.RunCancelled):
		return true
	}
	return false
}

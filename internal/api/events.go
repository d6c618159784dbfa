package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"resource-pipeline/internal/models"
)

const keepAliveInterval = 15 * time.Second

// handleJobEvents streams a job's progress as Server-Sent Events until it finishes
// or the client goes away.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "jobId")
	job, err := s.deps.Queue.Get(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(ev models.JobEvent) bool {
		raw, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, raw); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	if job.Terminal() {
		send(terminalEvent(job))
		return
	}

	events, stop, err := s.deps.Queue.Subscribe(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("job_id", id).Msg("subscribe to job events")
		return
	}
	defer stop()

	// The job may have finished between the first read and the subscription.
	if job, err = s.deps.Queue.Get(ctx, id); err == nil && job.Terminal() {
		send(terminalEvent(job))
		return
	}
	if !send(models.JobEvent{JobID: id, Type: "progress", Progress: job.Progress}) {
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil || rc.Flush() != nil {
				return
			}
		case ev, ok := <-events:
			if !ok || !send(ev) {
				return
			}
			if ev.Type == models.StatusCompleted || ev.Type == models.StatusFailed {
				return
			}
		}
	}
}

func terminalEvent(job models.Job) models.JobEvent {
	ev := models.JobEvent{JobID: job.ID, Type: job.Status, Progress: job.Progress}
	if job.FailureReason != nil {
		ev.Message = *job.FailureReason
	}
	return ev
}

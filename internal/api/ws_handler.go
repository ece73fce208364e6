package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/herdcast/herdcast/internal/bus"
	"github.com/herdcast/herdcast/internal/storage/object"
	"github.com/herdcast/herdcast/internal/storage/postgres"
)

// Close code for streaming against an unknown job.
const closeJobNotFound = 4404

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browsers connect from a separate frontend origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleJobStream streams progress events for one job over a websocket.
// Unknown jobs get a synthetic job_failed frame and close code 4404;
// terminal jobs get a single snapshot frame and a normal close.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	log := s.log.With(zap.String("job_id", jobID.String()))

	job, err := s.store.Jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			ev := bus.Event{
				Type:         bus.EventFailed,
				JobID:        jobID.String(),
				Status:       postgres.StatusFailed,
				ErrorMessage: "JOB_NOT_FOUND: no such job",
			}
			ev.Stamp()
			_ = conn.WriteJSON(ev)
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeJobNotFound, "job not found"))
			return
		}
		log.Error("load job for stream", zap.Error(err))
		return
	}

	if postgres.IsTerminal(job.Status) {
		_ = conn.WriteJSON(s.snapshotEvent(r, job))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return
	}

	// Snapshot first so a client attaching mid-run sees current progress.
	_ = conn.WriteJSON(s.snapshotEvent(r, job))

	sub := s.bus.Subscribe(r.Context(), jobID.String(), s.cfg.WSHeartbeat())
	defer sub.Close()

	// Drain client frames so close handshakes and pings are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	for ev := range sub.Events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
		if ev.Type == bus.EventSucceeded || ev.Type == bus.EventFailed {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// snapshotEvent renders a job row as a bus event. Succeeded jobs carry the
// full stored result when it is still readable.
func (s *Server) snapshotEvent(r *http.Request, job *postgres.ForecastJob) bus.Event {
	ev := bus.Event{
		JobID:         job.ID.String(),
		Status:        job.Status,
		ProgressPct:   job.ProgressPct,
		CompletedRuns: job.CompletedRuns,
		TotalRuns:     job.TotalRuns,
	}
	switch job.Status {
	case postgres.StatusSucceeded:
		ev.Type = bus.EventSucceeded
		if job.ResultKey != nil {
			body, err := s.objects.Get(r.Context(), s.objects.ResultsBucket(), *job.ResultKey)
			if err == nil {
				ev.PartialResult = body
			} else if !errors.Is(err, object.ErrNotFound) {
				s.log.Warn("load result for stream snapshot", zap.Error(err))
			}
		}
	case postgres.StatusFailed, postgres.StatusCanceled:
		ev.Type = bus.EventFailed
		if job.ErrorMessage != nil {
			ev.ErrorMessage = *job.ErrorMessage
		}
	default:
		ev.Type = bus.EventProgress
	}
	ev.Stamp()
	return ev
}

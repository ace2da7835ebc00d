package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/example/medtransport-dispatch/internal/models"
	"github.com/example/medtransport-dispatch/internal/storage"
)

// Event is one SSE frame of a job status stream.
type Event struct {
	Event   string `json:"-"` // "job-status" or "heartbeat"
	JobID   string `json:"jobId"`
	Status  string `json:"status,omitempty"`
	BatchID string `json:"batchId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Streamer polls job state on behalf of an SSE client. Read-only; the stream
// ends itself once the job is terminal.
type Streamer struct {
	Jobs     storage.JobStore
	Interval time.Duration
}

func (s *Streamer) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return time.Second
}

// Stream emits the job's status at each poll tick, a heartbeat while the
// record is not yet visible, and closes after the terminal status event or
// when ctx is done.
func (s *Streamer) Stream(ctx context.Context, jobID string) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.interval())
		defer ticker.Stop()
		for {
			job, err := s.Jobs.GetJob(ctx, jobID)
			var ev Event
			switch {
			case errors.Is(err, storage.ErrNotFound):
				ev = Event{Event: "heartbeat", JobID: jobID}
			case err != nil:
				ev = Event{Event: "heartbeat", JobID: jobID, Error: err.Error()}
			default:
				ev = Event{Event: "job-status", JobID: jobID, Status: string(job.Status), BatchID: job.BatchID, Error: job.Error}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if job != nil && models.JobStatus(ev.Status).Terminal() {
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

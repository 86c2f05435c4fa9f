package httpqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/queuekit/queuekit/pkg/queue"
)

// Repository is the slice of the store the HTTP transport exposes. Any
// queue.Store satisfies it.
type Repository interface {
	queue.WorkerRepository

	// Stats returns job counts for a queue; empty queue means all queues.
	Stats(ctx context.Context, queue string) (*queue.QueueStats, error)
}

// Server exposes the worker contract over HTTP for workers that cannot
// reach the datastore directly. Claims long-poll server-side so remote
// workers do not hammer the store.
type Server struct {
	repo                Repository
	logger              *slog.Logger
	wakeup              <-chan struct{}
	maxWait             time.Duration
	recheckInterval     time.Duration
	defaultLockDuration time.Duration
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger for request-handling warnings.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithWakeup supplies an enqueue-signal channel (store notifications) that
// cuts long-poll latency from the recheck interval to near zero.
func WithWakeup(ch <-chan struct{}) ServerOption {
	return func(s *Server) { s.wakeup = ch }
}

// WithMaxWait caps the server-side long-poll window regardless of the
// client's requested timeout.
func WithMaxWait(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.maxWait = d
		}
	}
}

// WithRecheckInterval sets how often a parked /wait re-polls the store.
func WithRecheckInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.recheckInterval = d
		}
	}
}

// WithDefaultLockDuration sets the lock duration used when the client
// omits lockDurationMs.
func WithDefaultLockDuration(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.defaultLockDuration = d
		}
	}
}

// NewServer creates the queue API server over the given repository.
func NewServer(repo Repository, opts ...ServerOption) (*Server, error) {
	if repo == nil {
		return nil, queue.ErrRepositoryNil
	}
	s := &Server{
		repo:                repo,
		logger:              slog.Default(),
		maxWait:             30 * time.Second,
		recheckInterval:     500 * time.Millisecond,
		defaultLockDuration: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Router returns the chi router with all transport routes mounted. Mount
// it directly or under a prefix in a larger router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/wait", s.handleWait)
	r.Post("/claim", s.handleClaim)
	r.Post("/heartbeat", s.handleHeartbeat)
	r.Post("/complete", s.handleComplete)
	r.Post("/fail", s.handleFail)
	r.Get("/stats", s.handleStats)
	return r
}

// handleWait blocks up to min(timeoutMs, maxWait) for a claimable job.
// A null job in the response means the window elapsed empty.
func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	var req waitRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Queue == "" {
		s.writeError(w, http.StatusBadRequest, queue.ErrQueueNameEmpty.Error())
		return
	}

	wait := time.Duration(req.TimeoutMs) * time.Millisecond
	if wait <= 0 || wait > s.maxWait {
		wait = s.maxWait
	}

	ctx := r.Context()
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(s.recheckInterval)
	defer ticker.Stop()

	// A closed wakeup channel (store subscription torn down) must not turn
	// the park into a busy loop; drop to ticker-only polling.
	wake := s.wakeup

	for {
		job, err := s.repo.ClaimJob(ctx, req.Queue, req.WorkerID, s.lockDuration(req.LockDurationMs))
		if err != nil {
			s.writeStoreError(w, r, "claim failed", err)
			return
		}
		if job != nil {
			s.writeJSON(w, http.StatusOK, jobResponse{Job: job})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			s.writeJSON(w, http.StatusOK, jobResponse{})
			return
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		}
	}
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Queue == "" {
		s.writeError(w, http.StatusBadRequest, queue.ErrQueueNameEmpty.Error())
		return
	}

	job, err := s.repo.ClaimJob(r.Context(), req.Queue, req.WorkerID, s.lockDuration(req.LockDurationMs))
	if err != nil {
		s.writeStoreError(w, r, "claim failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobResponse{Job: job})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !s.decode(w, r, &req) {
		return
	}

	ok, err := s.repo.ExtendLock(r.Context(), req.JobID, req.WorkerID, req.LockToken,
		s.lockDuration(req.DurationMs))
	if err != nil {
		s.writeStoreError(w, r, "heartbeat failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: ok})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !s.decode(w, r, &req) {
		return
	}

	ok, err := s.repo.CompleteJob(r.Context(), req.JobID, req.WorkerID, req.LockToken)
	if err != nil {
		s.writeStoreError(w, r, "complete failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: ok})
}

// handleFail records a failure, or reschedules without consuming an
// attempt when retryAfterMs is present (the wire form of a rate-limit
// signal).
func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if !s.decode(w, r, &req) {
		return
	}

	var (
		ok  bool
		err error
	)
	if req.RetryAfterMs != nil {
		delay := time.Duration(*req.RetryAfterMs) * time.Millisecond
		ok, err = s.repo.RescheduleJob(r.Context(), req.JobID, req.WorkerID, req.LockToken, delay)
	} else {
		ok, err = s.repo.FailJob(r.Context(), req.JobID, req.WorkerID, req.LockToken, req.Error)
	}
	if err != nil {
		s.writeStoreError(w, r, "fail failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: ok})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.repo.Stats(r.Context(), r.URL.Query().Get("queue"))
	if err != nil {
		s.writeStoreError(w, r, "stats failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) lockDuration(ms int64) time.Duration {
	if ms <= 0 {
		return s.defaultLockDuration
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	// Cancelled long-polls are routine; the client is already gone.
	if r.Context().Err() != nil {
		return
	}
	s.logger.Error(msg,
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()))
	s.writeError(w, http.StatusInternalServerError, msg)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", slog.String("error", err.Error()))
	}
}

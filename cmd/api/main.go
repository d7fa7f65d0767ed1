package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/oeltimacreation/simplequeue/internal/config"
	"github.com/oeltimacreation/simplequeue/internal/dispatcher"
	"github.com/oeltimacreation/simplequeue/internal/domain"
	"github.com/oeltimacreation/simplequeue/internal/queue"
	"github.com/oeltimacreation/simplequeue/internal/storage"
)

type server struct {
	disp  *dispatcher.Dispatcher
	store storage.Store
	queue queue.Queue
	log   *zap.Logger
}

func main() {
	cfg := config.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx := context.Background()
	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()
	store := storage.NewPostgres(db)

	var q queue.Queue
	if cfg.QueueDriver == "database" {
		q = queue.NewPolling(store, cfg.PollInterval)
	} else {
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		q, err = queue.NewRedis(ctx, rdb, cfg.RedisPrefix)
		if err != nil {
			log.Fatal("build queue driver", zap.Error(err))
		}
	}

	s := &server{
		disp:  dispatcher.New(store, q, log),
		store: store,
		queue: q,
		log:   log,
	}

	rtr := chi.NewRouter()
	rtr.Post("/v1/jobs", s.handleDispatch)
	rtr.Post("/v1/jobs/batch", s.handleDispatchBatch)
	rtr.Get("/v1/jobs/{id}", s.handleStatus)
	rtr.Get("/v1/jobs", s.handleList)
	rtr.Get("/v1/stats", s.handleStats)
	rtr.Post("/v1/prune", s.handlePrune)
	rtr.Get("/healthz", s.handleHealthz)

	log.Info("api listening", zap.String("addr", cfg.APIAddr))
	if err := http.ListenAndServe(cfg.APIAddr, rtr); err != nil {
		log.Fatal("serve", zap.Error(err))
	}
}

type dispatchRequest struct {
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Queue       string         `json:"queue"`
	MaxAttempts int            `json:"maxAttempts"`
	RequestID   string         `json:"requestId"`
}

func (s *server) handleDispatch(w http.ResponseWriter, req *http.Request) {
	var body dispatchRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Type == "" {
		writeError(w, http.StatusBadRequest, errString("type is required"))
		return
	}

	if body.RequestID != "" {
		id, created, err := s.disp.DispatchIdempotent(req.Context(),
			body.Type, body.Payload, body.RequestID, body.Queue, body.MaxAttempts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "created": created})
		return
	}

	id, err := s.disp.Dispatch(req.Context(), dispatcher.DispatchParams{
		Type:        body.Type,
		Payload:     body.Payload,
		Queue:       body.Queue,
		MaxAttempts: body.MaxAttempts,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "created": true})
}

type batchRequest struct {
	Type        string           `json:"type"`
	Payloads    []map[string]any `json:"payloads"`
	Queue       string           `json:"queue"`
	MaxAttempts int              `json:"maxAttempts"`
}

func (s *server) handleDispatchBatch(w http.ResponseWriter, req *http.Request) {
	var body batchRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Type == "" || len(body.Payloads) == 0 {
		writeError(w, http.StatusBadRequest, errString("type and payloads are required"))
		return
	}

	ids, err := s.disp.DispatchBatch(req.Context(), body.Type, body.Payloads, body.Queue, body.MaxAttempts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ids": ids})
}

func (s *server) handleStatus(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job, err := s.disp.Status(req.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, errString("job not found"))
		return
	}
	writeJSON(w, http.StatusOK, jobView(job))
}

func (s *server) handleList(w http.ResponseWriter, req *http.Request) {
	f := storage.ListFilter{Limit: 50}
	qp := req.URL.Query()
	if v := qp.Get("status"); v != "" {
		st := domain.Status(v)
		f.Status = &st
	}
	if v := qp.Get("queue"); v != "" {
		f.Queue = &v
	}
	if v := qp.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if v := qp.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Offset = n
		}
	}

	jobs, err := s.store.List(req.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]map[string]any, len(jobs))
	for i, j := range jobs {
		views[i] = jobView(j)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *server) handleStats(w http.ResponseWriter, req *http.Request) {
	var queueName *string
	if v := req.URL.Query().Get("queue"); v != "" {
		queueName = &v
	}

	stats := map[string]int{}
	for _, st := range []domain.Status{
		domain.StatusPending, domain.StatusRunning, domain.StatusCompleted,
		domain.StatusFailed, domain.StatusCancelled,
	} {
		status := st
		n, err := s.store.Count(req.Context(), &status, queueName)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		stats[string(st)] = n
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handlePrune(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Days int `json:"days"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Days <= 0 {
		writeError(w, http.StatusBadRequest, errString("days must be positive"))
		return
	}

	n, err := s.store.PruneCompleted(req.Context(), time.Duration(body.Days)*24*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pruned": n})
}

func (s *server) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if !s.queue.IsAvailable(req.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "queue unavailable"})
		return
	}
	if _, err := s.store.Count(req.Context(), nil, nil); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func jobView(j *domain.Job) map[string]any {
	return map[string]any{
		"id":              j.ID,
		"queue":           j.Queue,
		"type":            j.Type,
		"status":          j.Status,
		"payload":         j.Payload,
		"attempts":        j.Attempts,
		"maxAttempts":     j.MaxAttempts,
		"availableAt":     j.AvailableAt,
		"startedAt":       j.StartedAt,
		"completedAt":     j.CompletedAt,
		"lockedBy":        j.LockedBy,
		"lockedAt":        j.LockedAt,
		"errorMessage":    j.ErrorMessage,
		"progress":        j.Progress,
		"progressMessage": j.ProgressMessage,
		"result":          j.Result,
		"requestId":       j.RequestID,
		"createdAt":       j.CreatedAt,
		"updatedAt":       j.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

type errString string

func (e errString) Error() string { return string(e) }

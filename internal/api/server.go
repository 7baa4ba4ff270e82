// Package api exposes the operational HTTP surface: the mailbox push
// notification endpoint plus inspection and manual-trigger routes. All
// mutations go through the task queue; no handler touches the mailbox
// directly.
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"mail-triage/internal/config"
	"mail-triage/internal/models"
	"mail-triage/internal/queue"
	"mail-triage/internal/ratelimit"
	"mail-triage/internal/store"
	"mail-triage/internal/syncengine"
	"mail-triage/internal/telemetry"
)

// Server wires the HTTP handlers.
type Server struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.PostgresQueue
	engine  *syncengine.Engine
	limiter *ratelimit.NotificationLimiter
}

func New(cfg config.Config, st *store.Store, q *queue.PostgresQueue, engine *syncengine.Engine, limiter *ratelimit.NotificationLimiter) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		engine:  engine,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/notifications", s.handleNotification)

	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Post("/sync", s.handleSync)
		r.Get("/conversations", s.handleListConversations)
		r.Route("/conversations/{threadID}", func(r chi.Router) {
			r.Get("/", s.handleGetConversation)
			r.Get("/events", s.handleListEvents)
			r.Post("/reclassify", s.handleReclassify)
		})
	})

	r.Get("/tasks/{id}", s.handleGetTask)
	r.Get("/queue/stats", s.handleQueueStats)
	r.Get("/queue/failed", s.handleQueueFailed)
	return r
}

// pushEnvelope is the provider's push delivery wrapper; the payload inside
// Message.Data is base64-encoded JSON.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type pushPayload struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// handleNotification ingests one mailbox push notification. Malformed and
// throttled notifications are acknowledged anyway: the provider redelivers
// on non-2xx, and redelivering them cannot make them processable, while the
// periodic fallback sync covers anything dropped here.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	var env pushEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		log.Warn().Err(err).Msg("notification with undecodable data acked")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	var payload pushPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.EmailAddress == "" {
		log.Warn().Err(err).Msg("notification with unparseable payload acked")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), payload.EmailAddress)
		if err != nil {
			log.Error().Err(err).Msg("rate limiter unavailable, notification admitted")
		} else if !allowed {
			telemetry.WebhookRejects.Inc()
			log.Debug().Str("email", payload.EmailAddress).Msg("notification throttled")
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	account, err := s.store.GetByEmail(r.Context(), payload.EmailAddress)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Str("email", payload.EmailAddress).Msg("notification for unknown account acked")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		http.Error(w, "account lookup failed", http.StatusInternalServerError)
		return
	}

	cursor := ""
	if payload.HistoryID > 0 {
		cursor = strconv.FormatUint(payload.HistoryID, 10)
	}
	queued, err := s.engine.ProcessNotification(r.Context(), account.ID, cursor)
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	log.Debug().Int64("account_id", account.ID).Bool("queued", queued).Msg("notification processed")
	w.WriteHeader(http.StatusNoContent)
}

type syncRequest struct {
	Full bool `json:"full"`
}

// handleSync queues a sync pass for the account. With {"full": true} the
// pass skips the cursor and performs the bounded full scan.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	account, ok := s.account(w, r)
	if !ok {
		return
	}
	var req syncRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	active, err := s.queue.HasActive(r.Context(), models.KindSync, account.ID, "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if active {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "sync already queued"})
		return
	}

	id, err := s.queue.Enqueue(r.Context(), models.KindSync, account.ID, map[string]any{
		models.PayloadForceFull: req.Full,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.TasksEnqueued.WithLabelValues(string(models.KindSync)).Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

// handleReclassify queues a fresh classification for a tracked conversation.
func (s *Server) handleReclassify(w http.ResponseWriter, r *http.Request) {
	account, ok := s.account(w, r)
	if !ok {
		return
	}
	threadID := chi.URLParam(r, "threadID")
	conv, err := s.store.GetByThread(r.Context(), account.ID, threadID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	active, err := s.queue.HasActive(r.Context(), models.KindClassify, account.ID, threadID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if active {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "classify already queued"})
		return
	}

	id, err := s.queue.Enqueue(r.Context(), models.KindClassify, account.ID, map[string]any{
		models.PayloadThreadID:   threadID,
		models.PayloadMessageID:  conv.MessageID,
		models.PayloadReclassify: true,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.TasksEnqueued.WithLabelValues(string(models.KindClassify)).Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	account, ok := s.account(w, r)
	if !ok {
		return
	}
	status := models.LifecycleStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.StatusPending
	}
	if !status.Valid() {
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}
	conversations, err := s.store.ListByStatus(r.Context(), account.ID, status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	account, ok := s.account(w, r)
	if !ok {
		return
	}
	conv, err := s.store.GetByThread(r.Context(), account.ID, chi.URLParam(r, "threadID"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	account, ok := s.account(w, r)
	if !ok {
		return
	}
	events, err := s.store.ListByThread(r.Context(), account.ID, chi.URLParam(r, "threadID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueueFailed(w http.ResponseWriter, r *http.Request) {
	failed, err := s.queue.ListFailed(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": failed})
}

// account resolves the {accountID} route parameter, writing the error
// response itself on failure.
func (s *Server) account(w http.ResponseWriter, r *http.Request) (*models.Account, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return nil, false
	}
	account, err := s.store.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "account not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return account, true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

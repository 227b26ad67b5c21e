package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/mkrell/salesrunner/internal/agent"
	"github.com/mkrell/salesrunner/internal/bus"
	"github.com/mkrell/salesrunner/internal/orchestrator"
	"github.com/mkrell/salesrunner/internal/scheduler"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch    *orchestrator.Orchestrator
	sched   *scheduler.Scheduler
	exch    *bus.Exchange
	mailbox *bus.Mailbox
	logger  *zap.Logger
}

// NewHandler creates the API handler and joins the exchange so API-initiated
// messages carry a sender.
func NewHandler(orch *orchestrator.Orchestrator, sched *scheduler.Scheduler, exch *bus.Exchange, logger *zap.Logger) *Handler {
	return &Handler{
		orch:    orch,
		sched:   sched,
		exch:    exch,
		mailbox: exch.Join("api", bus.DefaultMaxQueue),
		logger:  logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/status", h.getStatus)

		r.Post("/workflows", h.submitWorkflow)
		r.Get("/workflows", h.listWorkflows)
		r.Get("/workflows/{id}", h.getWorkflow)

		r.Get("/schedule/recommendation", h.getRecommendation)
		r.Get("/schedule/patterns", h.listPatterns)
		r.Get("/schedule/load", h.getLoad)

		r.Get("/workers", h.listWorkers)
		r.Get("/workers/{name}", h.getWorker)
		r.Get("/workers/{name}/metrics", h.getWorkerMetrics)
		r.Post("/workers/{name}/mode", h.switchWorkerMode)
		r.Post("/workers/{name}/priority", h.setWorkerPriority)
		r.Post("/workers/{name}/capabilities", h.addWorkerCapability)
		r.Delete("/workers/{name}/capabilities/{cap}", h.removeWorkerCapability)
		r.Post("/workers/{name}/reset", h.resetWorker)
		r.Post("/workers/{name}/clear", h.clearWorkerQueue)
		r.Delete("/workers/{name}", h.destroyWorker)

		r.Post("/workers/{name}/messages", h.sendMessage)
		r.Get("/workers/{name}/messages", h.getWorkerQueue)
		r.Get("/workers/{name}/channels", h.getWorkerChannels)
		r.Post("/workers/{name}/channels", h.subscribeChannel)
		r.Delete("/workers/{name}/channels/{channel}", h.unsubscribeChannel)
		r.Post("/workers/{name}/publish", h.publishMessage)
		r.Post("/broadcast", h.broadcast)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "salesrunner"})
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Status())
}

type submitRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func (h *Handler) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	id, _, err := h.orch.Submit(r.Context(), orchestrator.TaskType(req.Type), req.Payload)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, h.orch.History(limit))
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, ok := h.orch.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) getRecommendation(w http.ResponseWriter, r *http.Request) {
	taskType := r.URL.Query().Get("task")
	if taskType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task query parameter required"})
		return
	}
	urgency := scheduler.Urgency(r.URL.Query().Get("urgency"))
	switch urgency {
	case "":
		urgency = scheduler.UrgencyMedium
	case scheduler.UrgencyHigh, scheduler.UrgencyMedium, scheduler.UrgencyLow:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "urgency must be high, medium, or low"})
		return
	}

	decision := h.sched.Recommend(scheduler.Task{ID: taskType, Type: taskType}, urgency)
	writeJSON(w, http.StatusOK, decision)
}

func (h *Handler) listPatterns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Patterns())
}

func (h *Handler) getLoad(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"current": h.sched.CurrentLoad(),
		"history": h.sched.LoadHistory(),
	})
}

func (h *Handler) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers := h.orch.Workers()
	out := make([]agent.State, 0, len(workers))
	for _, wk := range workers {
		out = append(out, wk.State())
	}
	writeJSON(w, http.StatusOK, out)
}

// worker resolves the path's worker or writes a 404.
func (h *Handler) worker(w http.ResponseWriter, r *http.Request) (*agent.Worker, bool) {
	name := chi.URLParam(r, "name")
	wk, ok := h.orch.Worker(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "worker not found"})
		return nil, false
	}
	return wk, true
}

func (h *Handler) getWorker(w http.ResponseWriter, r *http.Request) {
	wk, ok := h.worker(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, wk.State())
}

func (h *Handler) getWorkerMetrics(w http.ResponseWriter, r *http.Request) {
	wk, ok := h.worker(w, r)
	if !ok {
		return
	}
	st := wk.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_executions":      st.TotalExecutions,
		"successful_executions": st.SuccessfulExecutions,
		"avg_execution_time_ms": st.AvgExecutionTime.Milliseconds(),
		"error_rate":            st.ErrorRate,
		"mode_usage":            st.ModeUsage,
		"queue_depth":           wk.QueueDepth(),
		"executing":             wk.IsExecuting(),
	})
}

func (h *Handler) switchWorkerMode(w http.ResponseWriter, r *http.Request) {
	wk, ok := h.worker(w, r)
	if !ok {
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := wk.SwitchMode(agent.ExecutionMode(req.Mode)); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"worker": wk.Name(), "mode": req.Mode})
}

func (h *Handler) setWorkerPriority(w http.ResponseWriter, r *http.Request) {
	wk, ok := h.worker(w, r)
	if !ok {
		return
	}
	var req struct {
		Priority int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	wk.SetPriority(req.Priority)
	writeJSON(w, http.StatusOK, map[string]any{"worker": wk.Name(), "priority": req.Priority})
}

func (h *Handler) addWorkerCapability(w http.ResponseWriter, r *http.Request) {
	wk, ok := h.worker(w, r)
	if !ok {
		return
	}
	var req struct {
		Capability string `json:"capability"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Capability == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "capability required"})
		return
	}
	wk.AddCapability(req.Capability)
	writeJSON(w, http.StatusOK, wk.State())
}

func (h *Handler) removeWorkerCapability(w http.ResponseWriter, r *http.Request) {
	wk, ok := h.worker(w, r)
	if !ok {
		return
	}
	wk.RemoveCapability(chi.URLParam(r, "cap"))
	writeJSON(w, http.StatusOK, wk.State())
}

func (h *Handler) resetWorker(w http.ResponseWriter, r *http.Request) {
	wk, ok := h.worker(w, r)
	if !ok {
		return
	}
	wk.ResetState()
	writeJSON(w, http.StatusOK, wk.State())
}

func (h *Handler) clearWorkerQueue(w http.ResponseWriter, r *http.Request) {
	wk, ok := h.worker(w, r)
	if !ok {
		return
	}
	cleared := wk.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"worker": wk.Name(), "cleared": cleared})
}

// destroyWorker shuts the worker down and removes it from the registry and
// the exchange.
func (h *Handler) destroyWorker(w http.ResponseWriter, r *http.Request) {
	wk, ok := h.worker(w, r)
	if !ok {
		return
	}
	wk.Shutdown()
	h.orch.RemoveWorker(wk.Name())
	h.exch.Leave(wk.Name())
	h.logger.Info("worker destroyed", zap.String("worker", wk.Name()))
	writeJSON(w, http.StatusOK, map[string]string{"worker": wk.Name(), "status": "destroyed"})
}

type messageRequest struct {
	Payload       any    `json:"payload"`
	Channel       string `json:"channel,omitempty"`
	Type          string `json:"type,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	TimeoutMS     int    `json:"timeout_ms,omitempty"`
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	msg, err := h.mailbox.Send(r.Context(), name, req.Payload, bus.SendOptions{
		Channel:       req.Channel,
		CorrelationID: req.CorrelationID,
		Type:          bus.MessageType(req.Type),
		Timeout:       time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) getWorkerQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	mb, ok := h.exch.Mailbox(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "worker not found"})
		return
	}
	writeJSON(w, http.StatusOK, mb.Queue())
}

func (h *Handler) getWorkerChannels(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	mb, ok := h.exch.Mailbox(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "worker not found"})
		return
	}
	writeJSON(w, http.StatusOK, mb.Channels())
}

// subscribeChannel joins the worker's mailbox to a channel with a logging
// handler, so fanned-out messages on that channel reach its queue watchers.
func (h *Handler) subscribeChannel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	mb, ok := h.exch.Mailbox(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "worker not found"})
		return
	}
	var req struct {
		Channel string `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Channel == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel required"})
		return
	}

	logger := h.logger
	subID := mb.Subscribe(req.Channel, func(ctx context.Context, msg *bus.Message) {
		logger.Debug("channel message received",
			zap.String("worker", name),
			zap.String("channel", msg.Channel),
			zap.String("from", msg.From))
	})
	writeJSON(w, http.StatusCreated, map[string]string{
		"worker":          name,
		"channel":         req.Channel,
		"subscription_id": subID,
	})
}

func (h *Handler) unsubscribeChannel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	mb, ok := h.exch.Mailbox(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "worker not found"})
		return
	}
	channel := chi.URLParam(r, "channel")
	subID := r.URL.Query().Get("id")
	if !mb.Unsubscribe(channel, subID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "subscription not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"worker": name, "channel": channel})
}

type publishRequest struct {
	Channel string `json:"channel"`
	Payload any    `json:"payload"`
	Type    string `json:"type,omitempty"`
}

// publishMessage fans a message out on a channel in the worker's name.
func (h *Handler) publishMessage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	mb, ok := h.exch.Mailbox(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "worker not found"})
		return
	}
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Channel == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel required"})
		return
	}
	typ := bus.MessageType(req.Type)
	if typ == "" {
		typ = bus.TypeEvent
	}
	msg := mb.Publish(r.Context(), req.Channel, req.Payload, typ)
	writeJSON(w, http.StatusCreated, msg)
}

type broadcastRequest struct {
	Payload  any      `json:"payload"`
	Channels []string `json:"channels,omitempty"`
}

func (h *Handler) broadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(req.Channels) == 0 {
		req.Channels = []string{"general"}
	}
	sent := h.mailbox.BroadcastAll(r.Context(), req.Payload, req.Channels...)
	writeJSON(w, http.StatusOK, map[string]any{"sent": len(sent)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Package api serves the reconciled state over HTTP: a snapshot, an SSE
// stream of changes, selection updates and the cancel and refresh triggers.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/perpsync/perpsync/cancelflow"
	"github.com/perpsync/perpsync/perpsync"
	"github.com/perpsync/perpsync/storage"
	"github.com/perpsync/perpsync/store"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
	maxBodyBytes    = 1 << 16
)

// Controller is the part of the reconciler the API drives.
type Controller interface {
	Selection() perpsync.Selection
	Session() perpsync.Session
	SetSelection(perpsync.Selection)
	RefreshAll() error
}

// Canceller starts a cancellation without waiting for it. The chain outlives
// the request context passed to Start.
type Canceller interface {
	Start(ctx context.Context, order perpsync.Order) (bool, error)
}

// CancelHistory lists journaled cancellations.
type CancelHistory interface {
	ListCancelAttempts(ctx context.Context, limit int) ([]storage.CancelAttempt, error)
}

// Handler owns the routes.
type Handler struct {
	store      *store.Store
	controller Controller
	stream     *StreamController
	logger     *slog.Logger
	now        func() time.Time

	pools     []perpsync.Pool
	canceller Canceller
	history   CancelHistory
	metrics   http.Handler
	origins   []string
}

type HandlerOption func(*Handler)

func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger.WithGroup("api")
		}
	}
}

// WithPools sets the pools a selection may pick from.
func WithPools(pools []perpsync.Pool) HandlerOption {
	return func(h *Handler) {
		h.pools = append([]perpsync.Pool(nil), pools...)
	}
}

func WithCanceller(c Canceller) HandlerOption {
	return func(h *Handler) {
		h.canceller = c
	}
}

func WithCancelHistory(history CancelHistory) HandlerOption {
	return func(h *Handler) {
		h.history = history
	}
}

// WithMetricsHandler mounts m on /metrics.
func WithMetricsHandler(m http.Handler) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithAllowedOrigins sets the CORS allow list.
func WithAllowedOrigins(origins []string) HandlerOption {
	return func(h *Handler) {
		h.origins = origins
	}
}

func NewHandler(st *store.Store, controller Controller, stream *StreamController, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:      st,
		controller: controller,
		stream:     stream,
		logger:     slog.Default().WithGroup("api"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the mux wrapped in CORS.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/state", h.getState)
	mux.HandleFunc("PUT /api/selection", h.putSelection)
	mux.HandleFunc("POST /api/orders/cancel", h.cancelOrder)
	mux.HandleFunc("POST /api/orders/refresh", h.refreshOrders)
	mux.HandleFunc("GET /api/cancellations", h.listCancellations)
	mux.HandleFunc("GET /sse/state", h.streamState)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: h.origins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodOptions,
		},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

type selectionView struct {
	PoolSymbol  string `json:"poolSymbol"`
	PerpetualID int64  `json:"perpetualId"`
	Symbol      string `json:"symbol"`
}

type sessionView struct {
	Connected bool   `json:"connected"`
	Address   string `json:"address,omitempty"`
}

type stateResponse struct {
	store.State
	Selection *selectionView `json:"selection,omitempty"`
	Session   sessionView    `json:"session"`
}

func (h *Handler) currentState() stateResponse {
	resp := stateResponse{State: h.store.Snapshot()}
	if sel := h.controller.Selection(); sel.Valid() {
		resp.Selection = &selectionView{
			PoolSymbol:  sel.Pool.PoolSymbol,
			PerpetualID: sel.Perpetual.ID,
			Symbol:      sel.Symbol(),
		}
	}
	session := h.controller.Session()
	resp.Session = sessionView{Connected: session.Connected(), Address: session.Address()}
	return resp
}

func (h *Handler) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.currentState())
}

type selectionRequest struct {
	PoolSymbol  string `json:"poolSymbol"`
	PerpetualID int64  `json:"perpetualId"`
}

func (h *Handler) putSelection(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.PoolSymbol) == "" {
		writeError(w, http.StatusBadRequest, "poolSymbol is required")
		return
	}
	pool, ok := perpsync.FindPool(h.pools, req.PoolSymbol)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown pool %q", req.PoolSymbol))
		return
	}
	sel, err := perpsync.NewSelection(pool, req.PerpetualID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	h.controller.SetSelection(sel)
	h.logger.Info("selection updated", slog.String("pool", pool.PoolSymbol), slog.String("symbol", sel.Symbol()))
	writeJSON(w, http.StatusOK, selectionView{
		PoolSymbol:  sel.Pool.PoolSymbol,
		PerpetualID: sel.Perpetual.ID,
		Symbol:      sel.Symbol(),
	})
}

type cancelRequest struct {
	Symbol string `json:"symbol"`
	ID     string `json:"id"`
}

type cancelResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"orderId"`
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	if h.canceller == nil {
		h.logger.Warn("cancel requested but no wallet can sign")
		writeError(w, http.StatusServiceUnavailable, "cancellation not configured")
		return
	}
	var req cancelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	order, ok := h.store.Snapshot().OpenOrder(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("order %s is not open", id))
		return
	}
	if req.Symbol != "" && req.Symbol != order.Symbol {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("order %s is on %s", id, order.Symbol))
		return
	}

	started, err := h.canceller.Start(r.Context(), order)
	switch {
	case errors.Is(err, cancelflow.ErrInvalidOrder):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, cancelflow.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	case err != nil:
		h.logger.Error("cancel failed to start", slog.String("order", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cancel failed to start")
		return
	case !started:
		writeError(w, http.StatusConflict, "a cancellation is already in flight")
		return
	}
	writeJSON(w, http.StatusAccepted, cancelResponse{Status: "started", OrderID: id})
}

func (h *Handler) refreshOrders(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.RefreshAll(); err != nil {
		if errors.Is(err, perpsync.ErrNotConnected) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) listCancellations(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not configured")
		return
	}
	limit, err := pageSize(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	attempts, err := h.history.ListCancelAttempts(r.Context(), limit)
	if err != nil {
		h.logger.Error("list cancellations", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "could not list cancellations")
		return
	}
	if attempts == nil {
		attempts = []storage.CancelAttempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": attempts})
}

func (h *Handler) streamState(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	ctx := r.Context()
	events, err := h.stream.Subscribe(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "subscribe to state stream", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "could not subscribe")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	state := h.currentState().State
	if err := writeSSEFrame(w, Event{Type: EventSnapshot, At: h.now().UTC(), State: &state}); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEFrame(w, evt); err != nil {
				h.logger.WarnContext(ctx, "write SSE frame", slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEFrame(w io.Writer, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal stream frame: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(string(evt.Type))
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write SSE payload: %w", err)
	}
	return nil
}

func pageSize(raw string) (int, error) {
	if raw == "" {
		return defaultPageSize, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return min(n, maxPageSize), nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

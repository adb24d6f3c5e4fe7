package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mpesa-sap-bridge/internal/audit"
	"github.com/mpesa-sap-bridge/internal/callback"
	"github.com/mpesa-sap-bridge/internal/models"
	"github.com/mpesa-sap-bridge/internal/mpesa"
	"github.com/mpesa-sap-bridge/internal/payment"
	"github.com/mpesa-sap-bridge/internal/reconcile"
	"github.com/mpesa-sap-bridge/internal/sap"
	"github.com/mpesa-sap-bridge/internal/store"
	workerpkg "github.com/mpesa-sap-bridge/internal/worker"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	db          *pgxpool.Pool
	store       *store.Store
	payments    *payment.Service
	ledgerSync  *sap.SyncService
	engine      *reconcile.Engine
	queueClient *asynq.Client
	auditor     *audit.Logger
	validator   *validator.Validate
	log         *zap.Logger
}

// New creates a new handler instance
func New(
	db *pgxpool.Pool,
	st *store.Store,
	payments *payment.Service,
	ledgerSync *sap.SyncService,
	engine *reconcile.Engine,
	queueClient *asynq.Client,
	auditor *audit.Logger,
	log *zap.Logger,
) *Handler {
	return &Handler{
		db:          db,
		store:       st,
		payments:    payments,
		ledgerSync:  ledgerSync,
		engine:      engine,
		queueClient: queueClient,
		auditor:     auditor,
		validator:   validator.New(),
		log:         log.Named("http"),
	}
}

// STKPushRequest represents the POST /payments/stk request
type STKPushRequest struct {
	Amount           string `json:"amount" validate:"required"`
	Phone            string `json:"phone" validate:"required"`
	AccountReference string `json:"account_reference" validate:"required,min=1,max=12"`
	TransactionDesc  string `json:"transaction_desc" validate:"omitempty,min=1,max=13"`
}

// InitiateSTKPush handles POST /payments/stk
func (h *Handler) InitiateSTKPush(w http.ResponseWriter, r *http.Request) {
	var req STKPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid amount format")
		return
	}

	result, err := h.payments.InitiateSTKPush(r.Context(), payment.STKPushInput{
		Amount:           amount,
		Phone:            req.Phone,
		AccountReference: req.AccountReference,
		TransactionDesc:  req.TransactionDesc,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.auditor.Record(r.Context(), audit.Entry{
		Action:        "payment.stk_push",
		TransactionID: &result.TransactionID,
		Actor:         r.Header.Get("X-Staff-ID"),
		Detail:        map[string]interface{}{"amount": req.Amount, "account_reference": req.AccountReference},
	})

	respondJSON(w, http.StatusCreated, result)
}

// B2CRequest represents the POST /payments/b2c request
type B2CRequest struct {
	Amount   string `json:"amount" validate:"required"`
	Phone    string `json:"phone" validate:"required"`
	Remarks  string `json:"remarks" validate:"required,min=1,max=100"`
	Occasion string `json:"occasion" validate:"omitempty,max=100"`
}

// InitiateB2C handles POST /payments/b2c
func (h *Handler) InitiateB2C(w http.ResponseWriter, r *http.Request) {
	var req B2CRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid amount format")
		return
	}

	result, err := h.payments.InitiateB2C(r.Context(), payment.B2CInput{
		Amount:   amount,
		Phone:    req.Phone,
		Remarks:  req.Remarks,
		Occasion: req.Occasion,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.auditor.Record(r.Context(), audit.Entry{
		Action:        "payment.b2c",
		TransactionID: &result.TransactionID,
		Actor:         r.Header.Get("X-Staff-ID"),
		Detail:        map[string]interface{}{"amount": req.Amount},
	})

	respondJSON(w, http.StatusCreated, result)
}

// MpesaCallback handles POST /callback. The gateway only cares that the
// callback was received: the state transition and all side effects run
// in the background, and the ack goes back immediately.
func (h *Handler) MpesaCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.log.Warn("failed to read callback body", zap.Error(err))
		respondError(w, http.StatusBadRequest, "Failed to read request")
		return
	}

	// Validate the envelope shape up front so an unparseable payload is
	// acknowledged-with-rejection instead of resent forever.
	if _, err := mpesa.ParseCallback(body); err != nil {
		h.log.Warn("malformed callback", zap.Error(err))
		respondJSON(w, http.StatusOK, callback.AckRejected("Invalid callback format"))
		return
	}

	task := workerpkg.NewProcessCallbackTask(body)
	info, err := h.queueClient.Enqueue(task, asynq.Queue("critical"), asynq.MaxRetry(3))
	if err != nil {
		h.log.Error("failed to enqueue callback", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to queue callback")
		return
	}

	h.log.Info("callback queued", zap.String("task_id", info.ID))
	respondJSON(w, http.StatusOK, callback.AckReceived())
}

// ListTransactions handles GET /transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page := queryInt(q.Get("page"), 1)
	limit := queryInt(q.Get("limit"), 20)
	if limit > 200 {
		limit = 200
	}

	start, end, err := parseRange(q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	filters := store.Filters{
		Status:          models.TransactionStatus(q.Get("status")),
		TransactionType: models.TransactionType(q.Get("transaction_type")),
		PhoneSubstring:  q.Get("phone_number"),
		Limit:           limit,
		Offset:          (page - 1) * limit,
	}

	transactions, err := h.store.QueryByDateRange(r.Context(), start, end, filters, store.OrderDesc)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": transactions,
		"page":         page,
		"limit":        limit,
	})
}

// GetTransaction handles GET /transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid transaction id")
		return
	}

	tx, err := h.store.FindByID(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tx)
}

// GetTransactionByCheckoutID handles GET /transactions/checkout/{checkoutRequestID}
func (h *Handler) GetTransactionByCheckoutID(w http.ResponseWriter, r *http.Request) {
	tx, err := h.store.FindByCheckoutID(r.Context(), chi.URLParam(r, "checkoutRequestID"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tx)
}

// GetStats handles GET /transactions/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, end, err := parseRange(q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := h.store.Stats(r.Context(), start, end)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// GetReconciliation handles GET /reconciliation/{date}
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	day, err := time.ParseInLocation(time.DateOnly, chi.URLParam(r, "date"), time.Local)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid date, expected YYYY-MM-DD")
		return
	}

	report, err := h.engine.Reconcile(r.Context(), day)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// SyncRequest represents the POST /sap/sync request
type SyncRequest struct {
	TransactionID int64 `json:"transaction_id" validate:"required"`
}

// SyncTransaction handles POST /sap/sync
func (h *Handler) SyncTransaction(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	result, err := h.ledgerSync.Sync(r.Context(), req.TransactionID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.auditor.Record(r.Context(), audit.Entry{
		Action:        "sap.sync",
		TransactionID: &req.TransactionID,
		Actor:         r.Header.Get("X-Staff-ID"),
		Detail:        map[string]interface{}{"sap_reference": result.SapReference},
	})

	respondJSON(w, http.StatusOK, result)
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := map[string]string{"status": "ok"}

	if err := h.db.Ping(r.Context()); err != nil {
		health["database"] = "down"
		health["status"] = "degraded"
	} else {
		health["database"] = "up"
	}

	status := http.StatusOK
	if health["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, health)
}

// respondServiceError maps the error taxonomy to HTTP statuses.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	var validationErr *models.ValidationError
	var gatewayErr *models.GatewayError
	var ledgerErr *models.LedgerError

	switch {
	case errors.As(err, &validationErr):
		respondError(w, http.StatusBadRequest, validationErr.Error())
	case errors.Is(err, models.ErrNotFound):
		respondError(w, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, models.ErrAlreadySynced),
		errors.Is(err, models.ErrInvalidState),
		errors.Is(err, models.ErrInvalidStateTransition):
		respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &gatewayErr):
		respondError(w, http.StatusBadGateway, gatewayErr.Error())
	case errors.As(err, &ledgerErr):
		respondError(w, http.StatusBadGateway, ledgerErr.Error())
	default:
		h.log.Error("unhandled service error", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// parseRange parses optional date bounds, defaulting to all time.
func parseRange(startStr, endStr string) (time.Time, time.Time, error) {
	start := time.Unix(0, 0)
	end := time.Now().Add(24 * time.Hour)

	var err error
	if startStr != "" {
		start, err = time.ParseInLocation(time.DateOnly, startStr, time.Local)
		if err != nil {
			return start, end, errors.New("invalid start_date, expected YYYY-MM-DD")
		}
	}
	if endStr != "" {
		day, err := time.ParseInLocation(time.DateOnly, endStr, time.Local)
		if err != nil {
			return start, end, errors.New("invalid end_date, expected YYYY-MM-DD")
		}
		end = day.Add(24*time.Hour - time.Millisecond)
	}
	return start, end, nil
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	return n
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

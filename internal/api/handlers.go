package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/tgpay/internal/domain"
	"github.com/punchamoorthee/tgpay/internal/models"
	"github.com/punchamoorthee/tgpay/internal/ratelimit"
	"github.com/punchamoorthee/tgpay/internal/service"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	payments   *service.PaymentService
	reconciler *service.Reconciler
	accounts   *service.AccountService
	limiter    ratelimit.Limiter
	logger     *slog.Logger
}

func NewHandler(payments *service.PaymentService, reconciler *service.Reconciler, accounts *service.AccountService, limiter ratelimit.Limiter, logger *slog.Logger) *Handler {
	return &Handler{
		payments:   payments,
		reconciler: reconciler,
		accounts:   accounts,
		limiter:    limiter,
		logger:     logger.With("component", "api"),
	}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreatePaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	if h.limiter != nil {
		ok, retry, err := h.limiter.Allow(r.Context(), req.ExternalID)
		if err != nil {
			// Fail open: a limiter outage must not block payments.
			h.logger.Warn("rate limiter unavailable", "error", err)
		} else if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
			respondWithError(w, http.StatusTooManyRequests, "Too many payment attempts, try again later")
			return
		}
	}

	res, err := h.payments.CreateTopUp(r.Context(), service.TopUpRequest{
		ExternalID:     req.ExternalID,
		Amount:         req.Amount,
		LineItems:      req.LineItems,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	in := res.Intent
	resp := models.CreatePaymentResponse{
		PaymentID:  in.GatewayPaymentID,
		OrderID:    in.OrderID,
		PaymentURL: in.PaymentURL,
		Status:     in.Status,
	}
	if res.Reused {
		respondWithJSON(w, http.StatusOK, resp)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/payments/status/%s", in.OrderID))
	respondWithJSON(w, http.StatusCreated, resp)
}

func (h *Handler) PaymentStatusHandler(w http.ResponseWriter, r *http.Request) {
	in, err := h.payments.Status(r.Context(), mux.Vars(r)["paymentId"])
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewPaymentStatus(in))
}

// WebhookHandler always answers 200 so the gateway does not retry-storm;
// success=false tells it the notification was not accepted.
func (h *Handler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("webhook body read failed", "error", err)
		respondWithJSON(w, http.StatusOK, models.WebhookResponse{Success: false})
		return
	}

	outcome, err := h.reconciler.HandleNotification(r.Context(), body)
	if err != nil {
		h.logger.Error("webhook reconciliation failed", "error", err)
		respondWithJSON(w, http.StatusOK, models.WebhookResponse{Success: false})
		return
	}
	respondWithJSON(w, http.StatusOK, models.WebhookResponse{Success: outcome.Success})
}

func (h *Handler) CancelPaymentHandler(w http.ResponseWriter, r *http.Request) {
	in, err := h.payments.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewPaymentStatus(in))
}

func (h *Handler) RefundPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RefundRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
			return
		}
	}
	in, err := h.payments.Refund(r.Context(), mux.Vars(r)["id"], req.Amount)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewPaymentStatus(in))
}

func (h *Handler) SyncUserHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SyncUserRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	upd := domain.ProfileUpdate{DisplayName: req.DisplayName, AvatarURL: req.AvatarURL}
	if req.Level != nil {
		level := domain.Level(*req.Level)
		upd.Level = &level
	}
	acc, err := h.accounts.SyncProfile(r.Context(), req.ExternalID, upd)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.UserResponse{
		ExternalID:  acc.ExternalID,
		DisplayName: acc.DisplayName,
		AvatarURL:   acc.AvatarURL,
		Level:       acc.Level,
		Balance:     acc.Balance,
	})
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	acc, err := h.accounts.GetBalance(r.Context(), mux.Vars(r)["externalId"])
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.BalanceResponse{ExternalID: acc.ExternalID, Balance: acc.Balance, Level: acc.Level})
}

func (h *Handler) AdjustBalanceHandler(w http.ResponseWriter, r *http.Request) {
	var req models.AdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	externalID := mux.Vars(r)["externalId"]
	balance, err := h.accounts.Adjust(r.Context(), externalID, req.Delta, req.Reason, adminSubject(r.Context()))
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.AdjustResponse{ExternalID: externalID, Balance: balance})
}

func (h *Handler) ListEventsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.accounts.Events(r.Context(), limit)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, events)
}

func (h *Handler) respondWithServiceError(w http.ResponseWriter, err error) {
	var final *domain.AlreadyFinalError
	switch {
	case errors.As(err, &final):
		respondWithJSON(w, http.StatusConflict, models.AlreadyFinalResponse{Error: final.Error(), Status: final.Status})
	case errors.Is(err, domain.ErrInvalidRequest):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrInsufficientFunds):
		respondWithError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrIntentNotFound):
		respondWithError(w, http.StatusNotFound, "Payment not found")
	case errors.Is(err, domain.ErrAccountNotFound):
		respondWithError(w, http.StatusNotFound, "Account not found")
	case errors.Is(err, domain.ErrGatewayUnreachable):
		respondWithError(w, http.StatusServiceUnavailable, domain.ErrGatewayUnreachable.Error())
	case errors.Is(err, domain.ErrGatewayRejected):
		respondWithError(w, http.StatusBadGateway, domain.ErrGatewayRejected.Error())
	default:
		h.logger.Error("request failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires every route. Merchant and admin routes sit behind AdminAuth.
func NewRouter(h *Handler, adminSecret []byte) *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	r.HandleFunc("/payments/create", h.CreatePaymentHandler).Methods("POST")
	r.HandleFunc("/payments/status/{paymentId}", h.PaymentStatusHandler).Methods("GET")
	r.HandleFunc("/payments/webhook", h.WebhookHandler).Methods("POST")

	merchant := r.PathPrefix("/payments").Subrouter()
	merchant.Use(AdminAuth(adminSecret))
	merchant.HandleFunc("/{id}/cancel", h.CancelPaymentHandler).Methods("POST")
	merchant.HandleFunc("/{id}/refund", h.RefundPaymentHandler).Methods("POST")

	r.HandleFunc("/users/sync", h.SyncUserHandler).Methods("POST")
	r.HandleFunc("/users/{externalId}/balance", h.GetBalanceHandler).Methods("GET")

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(AdminAuth(adminSecret))
	admin.HandleFunc("/accounts/{externalId}/adjust", h.AdjustBalanceHandler).Methods("POST")
	admin.HandleFunc("/events", h.ListEventsHandler).Methods("GET")

	return r
}

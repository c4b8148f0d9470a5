package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/kalambet/rankzen/internal/fulfillment"
	"github.com/kalambet/rankzen/internal/payment"
	"github.com/kalambet/rankzen/internal/storage"
)

const maxWebhookBodySize = 64 << 10

// handleStripeWebhook turns a verified checkout.session.completed event into
// a payment confirmation. Stripe retries anything that is not 2xx, so events
// that cannot or need not be applied are still acknowledged.
func handleStripeWebhook(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.WebhookSecret == "" {
			httpError(w, http.StatusServiceUnavailable, "api_error", "payment webhook is not configured")
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to read body: %v", err)
			return
		}

		ev, err := payment.ParseWebhook(body, r.Header.Get("Stripe-Signature"), deps.WebhookSecret, deps.Now())
		if err != nil {
			if errors.Is(err, payment.ErrSignature) {
				httpError(w, http.StatusBadRequest, "signature_error", "%v", err)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		log := slog.With("event_id", ev.ID, "case_id", ev.CaseID)
		if ev.Type != payment.EventCheckoutCompleted || !ev.Paid || ev.CaseID == "" {
			log.Debug("webhook event ignored", "type", ev.Type, "paid", ev.Paid)
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}

		_, err = deps.Cases.ConfirmPayment(r.Context(), ev.CaseID, ev.SessionID)
		switch {
		case err == nil:
			log.Info("payment confirmed", "session_id", ev.SessionID, "amount", ev.AmountTotal, "currency", ev.Currency)
			writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
		case errors.Is(err, fulfillment.ErrStateConflict):
			log.Info("duplicate payment confirmation", "error", err)
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		case errors.Is(err, storage.ErrNotFound):
			log.Warn("payment for unknown case")
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		default:
			log.Error("applying payment confirmation", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to confirm payment: %v", err)
		}
	}
}

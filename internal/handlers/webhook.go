package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/coursehub-billing/internal/paypal"
	"github.com/PortNumber53/coursehub-billing/internal/reconcile"
	"github.com/PortNumber53/coursehub-billing/internal/subscription"
)

const maxWebhookBody = 1 << 20

// SignatureVerifier checks that a webhook delivery came from PayPal.
type SignatureVerifier interface {
	VerifyWebhookSignature(ctx context.Context, header http.Header, body []byte) error
}

// EventHandler applies a provider event.
type EventHandler interface {
	Handle(ctx context.Context, ev reconcile.Event) (reconcile.Outcome, error)
}

// PayPalWebhook receives PayPal notifications. A 2xx tells PayPal to stop
// redelivering; 503 asks for a later retry.
func PayPalWebhook(verifier SignatureVerifier, events EventHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			badRequest(w, "unreadable body")
			return
		}

		if verifier != nil {
			if err := verifier.VerifyWebhookSignature(r.Context(), r.Header, body); err != nil {
				if errors.Is(err, paypal.ErrSignatureInvalid) || !subscription.IsRetryable(err) {
					log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("webhook signature rejected")
					writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid_signature", Message: "webhook signature verification failed"})
					return
				}
				log.Error().Err(err).Msg("webhook signature check unavailable")
				writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "verification_unavailable", Message: "try again later"})
				return
			}
		}

		ev, res, err := paypal.ParseEvent(body)
		if err != nil {
			badRequest(w, err.Error())
			return
		}

		out, err := events.Handle(r.Context(), reconcile.FromPayPal(ev, res, body))
		if err != nil {
			log.Error().Err(err).Str("event_id", ev.ID).Msg("webhook processing failed")
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "event not processed"})
			return
		}
		if !out.Ack {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"event_id": ev.ID, "disposition": out.Disposition})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"event_id": ev.ID, "disposition": out.Disposition})
	}
}

package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/TheLab-ms/orgbilling/internal/upgrade"
)

func (s *Server) newStripeWebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := zerolog.Ctx(r.Context())
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			logger.Error().Err(err).Msg("error while reading Stripe webhook body")
			w.WriteHeader(503)
			return
		}

		event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), s.Env.StripeWebhookKey)
		if err != nil {
			logger.Warn().Err(err).Msg("error while constructing Stripe webhook event")
			w.WriteHeader(400)
			return
		}

		if strings.HasPrefix(string(event.Type), "price.") {
			logger.Info().Str("type", string(event.Type)).Msg("refreshing Stripe prices because a webhook was received that suggests things have changed")
			s.PriceCache.Kick()
			return
		}

		// Delayed payment methods (e.g. bank debits) complete the checkout before the money arrives
		if event.Type != "checkout.session.completed" && event.Type != "checkout.session.async_payment_succeeded" {
			logger.Debug().Str("type", string(event.Type)).Msg("unhandled Stripe webhook event type")
			return
		}

		sessionID, _ := event.Data.Object["id"].(string)
		orgID, _ := event.Data.Object["client_reference_id"].(string)
		if sessionID == "" || orgID == "" {
			// not one of ours
			logger.Info().Str("session_id", sessionID).Msg("ignoring checkout session without an org reference")
			return
		}

		// The success redirect usually gets there first, this covers users who close the tab
		logger.Info().Str("org_id", orgID).Str("session_id", sessionID).Msg("queueing checkout fulfillment")
		s.Fulfillment.Add(upgrade.Request{OrgID: orgID, SessionID: sessionID})
	}
}

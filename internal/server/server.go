package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/TheLab-ms/orgbilling/internal/apierror"
	"github.com/TheLab-ms/orgbilling/internal/conf"
	"github.com/TheLab-ms/orgbilling/internal/datamodel"
	"github.com/TheLab-ms/orgbilling/internal/flowcontrol"
	"github.com/TheLab-ms/orgbilling/internal/logging"
	"github.com/TheLab-ms/orgbilling/internal/payment"
	"github.com/TheLab-ms/orgbilling/internal/upgrade"
)

type Store interface {
	GetOrganization(ctx context.Context, id string) (*datamodel.Organization, error)
	GetMembership(ctx context.Context, orgID, userID string) (*datamodel.OrganizationMembership, error)
}

type CheckoutCreator interface {
	NewCheckoutSession(ctx context.Context, org *datamodel.Organization, userID, priceID string) (*payment.CheckoutSession, error)
}

type PriceCache interface {
	PlanPrice() *payment.Price
	Kick()
}

type Publisher interface {
	Publish(orgID, reason, templ string, args ...any)
}

type Server struct {
	Env         *conf.Env
	Store       Store
	Checkout    CheckoutCreator
	PriceCache  PriceCache
	Upgrades    *upgrade.Flow
	Fulfillment *flowcontrol.Queue[upgrade.Request]
	Reporting   Publisher
}

func (s *Server) NewHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/orgs/{id}/upgrade", s.newUpgradeHandler())
	mux.HandleFunc("POST /api/orgs/{id}/checkout", s.newCheckoutHandler())
	mux.HandleFunc("POST /webhooks/stripe", s.newStripeWebhookHandler())
	mux.HandleFunc("/health", s.newHealthHandler())
	return withRequestID(mux)
}

// newHealthHandler fails when the store can be pinged and doesn't respond.
func (s *Server) newHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pinger, ok := s.Store.(interface{ Ping(context.Context) error })
		if !ok {
			return
		}
		if err := pinger.Ping(r.Context()); err != nil {
			renderError(w, r, apierror.Unavailable("database unavailable").WithCause(err))
		}
	}
}

// withRequestID gives every request a logger tagged with the caller's X-Request-Id (or a new one).
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-Id"))
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// getUserID returns the user authenticated by oauth2proxy, if any.
func getUserID(r *http.Request) string {
	return r.Header.Get("X-Forwarded-Preferred-Username")
}

// checkoutUserID is getUserID with the local development override applied.
func (s *Server) checkoutUserID(r *http.Request) string {
	if user := getUserID(r); user != "" {
		return user
	}
	return s.Env.TestUserID
}

func (s *Server) publish(orgID, reason, templ string, args ...any) {
	if s.Reporting != nil {
		s.Reporting.Publish(orgID, reason, templ, args...)
	}
}

// renderError writes API errors as-is and hides everything else behind a generic 500.
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, ok := apierror.As(err)
	if !ok {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("system error")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "system error"})
		return
	}
	if !apiErr.IsClientError() {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, apiErr.HTTPCode(), map[string]string{"error": apiErr.Message()})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

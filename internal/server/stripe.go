package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/TheLab-ms/orgbilling/internal/apierror"
	"github.com/TheLab-ms/orgbilling/internal/store"
)

func (s *Server) newCheckoutHandler() http.HandlerFunc {
	rateLimiter := rate.NewLimiter(rate.Limit(s.Env.CheckoutRateLimit), 2)
	return func(w http.ResponseWriter, r *http.Request) {
		logger := zerolog.Ctx(r.Context())
		if err := rateLimiter.Wait(r.Context()); err != nil {
			logger.Warn().Err(err).Msg("rate limiter error")
		}

		userID := s.checkoutUserID(r)
		if userID == "" {
			renderError(w, r, apierror.Unauthorized())
			return
		}

		orgID := r.PathValue("id")
		if err := validate.Var(orgID, "required,cuid"); err != nil {
			renderError(w, r, apierror.InvalidOrganizationID())
			return
		}

		org, err := s.Store.GetOrganization(r.Context(), orgID)
		if errors.Is(err, store.ErrNotFound) {
			renderError(w, r, apierror.NotFound())
			return
		}
		if err != nil {
			renderError(w, r, fmt.Errorf("getting organization: %w", err))
			return
		}

		// Only members can pay for an org
		_, err = s.Store.GetMembership(r.Context(), orgID, userID)
		if errors.Is(err, store.ErrNotFound) {
			renderError(w, r, apierror.Forbidden())
			return
		}
		if err != nil {
			renderError(w, r, fmt.Errorf("getting membership: %w", err))
			return
		}

		if !org.Metadata.Pending() {
			renderError(w, r, apierror.InvalidRequest("Organization is already upgraded"))
			return
		}

		price := s.PriceCache.PlanPrice()
		if price == nil {
			s.PriceCache.Kick()
			renderError(w, r, apierror.Unavailable("No plan price is available"))
			return
		}

		session, err := s.Checkout.NewCheckoutSession(r.Context(), org, userID, price.ID)
		if err != nil {
			renderError(w, r, fmt.Errorf("creating checkout session: %w", err))
			return
		}

		logger.Info().Str("org_id", orgID).Str("user_id", userID).Str("session_id", session.ID).Msg("started checkout")
		s.publish(orgID, "StartedCheckout", "user %s started Stripe checkout session: %s", userID, session.ID)
		http.Redirect(w, r, session.URL, http.StatusSeeOther)
	}
}

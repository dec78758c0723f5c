// Package upgrade confirms a paid Stripe checkout and applies it to the organization it was started for.
package upgrade

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/TheLab-ms/orgbilling/internal/apierror"
	"github.com/TheLab-ms/orgbilling/internal/datamodel"
	"github.com/TheLab-ms/orgbilling/internal/payment"
	"github.com/TheLab-ms/orgbilling/internal/store"
)

var upgradeCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orgbilling_upgrades_total",
		Help: "Org upgrade confirmations by outcome",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(upgradeCounter)
}

type Checkout interface {
	GetCheckoutSession(ctx context.Context, id string) (*payment.CheckoutSession, error)
}

type Store interface {
	GetOrganization(ctx context.Context, id string) (*datamodel.Organization, error)
	ListMemberships(ctx context.Context, orgID string) ([]*datamodel.OrganizationMembership, error)
}

type Upgrader interface {
	UpgradeOrganization(ctx context.Context, p datamodel.UpgradeParams) (*datamodel.Organization, error)
}

type Publisher interface {
	Publish(orgID, reason, templ string, args ...any)
}

// Flow is the sequence of checks between a checkout redirect and an upgraded org.
type Flow struct {
	Checkout Checkout
	Store    Store
	Upgrader Upgrader
	Events   Publisher // optional
}

// Request identifies a checkout that should be applied to an org.
// It's comparable so it can be used as a work queue key.
type Request struct {
	OrgID     string
	SessionID string
}

type Result struct {
	Org             *datamodel.Organization
	Initiator       *datamodel.OrganizationMembership
	AlreadyUpgraded bool
}

// Confirm verifies that the checkout session was paid for the given org and upgrades it if that hasn't happened yet.
// Failures that should be surfaced to the client are returned as *apierror.Error.
//
// Nothing is locked between reading the org and calling the upgrader: the upgrader
// itself must tolerate being called twice for the same session.
func (f *Flow) Confirm(ctx context.Context, orgID, sessionID string) (*Result, error) {
	result, err := f.confirm(ctx, orgID, sessionID)
	upgradeCounter.WithLabelValues(outcome(result, err)).Inc()
	return result, err
}

func (f *Flow) confirm(ctx context.Context, orgID, sessionID string) (*Result, error) {
	logger := zerolog.Ctx(ctx).With().Str("org_id", orgID).Str("session_id", sessionID).Logger()

	if sessionID == "" {
		return nil, apierror.MissingSessionID()
	}

	checkout, err := f.Checkout.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		logger.Warn().Err(err).Msg("unable to retrieve checkout session")
		return nil, apierror.InvalidSessionID(err)
	}
	if checkout == nil {
		return nil, apierror.CheckoutSessionNotFound()
	}
	if !checkout.Paid() {
		logger.Info().Str("payment_status", checkout.PaymentStatus).Msg("checkout session hasn't been paid")
		return nil, apierror.PaymentRequired()
	}
	if !checkout.HasSubscription() {
		return nil, apierror.SubscriptionNotFound()
	}
	if checkout.ClientReferenceID != "" && checkout.ClientReferenceID != orgID {
		logger.Warn().Str("client_reference_id", checkout.ClientReferenceID).Msg("checkout session belongs to a different org")
		return nil, apierror.NotFound()
	}

	org, err := f.Store.GetOrganization(ctx, orgID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound().WithCause(err)
	}
	if err != nil {
		return nil, fmt.Errorf("getting organization: %w", err)
	}

	// Paid orgs must have this exact session on record, otherwise it was never linked to the org.
	// Pending orgs only accept sessions that were started for them.
	alreadyUpgraded := org.Metadata.HasPayment(sessionID)
	if !org.Metadata.Pending() && !alreadyUpgraded {
		logger.Warn().Msg("checkout session isn't linked to the paid org")
		return nil, apierror.NotFound()
	}
	if !alreadyUpgraded && checkout.ClientReferenceID != orgID {
		logger.Warn().Str("client_reference_id", checkout.ClientReferenceID).Msg("checkout session wasn't started for this org")
		return nil, apierror.NotFound()
	}

	members, err := f.Store.ListMemberships(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", err)
	}
	initiator := datamodel.FindInitiator(members)
	if initiator == nil {
		logger.Warn().Int("members", len(members)).Msg("no member has completed the publish step")
		return nil, apierror.NotFound()
	}

	if alreadyUpgraded {
		return &Result{Org: org, Initiator: initiator, AlreadyUpgraded: true}, nil
	}

	org, err = f.Upgrader.UpgradeOrganization(ctx, datamodel.UpgradeParams{
		OrgID:              orgID,
		UserID:             initiator.UserID,
		CheckoutSessionID:  sessionID,
		SubscriptionID:     checkout.SubscriptionID,
		SubscriptionItemID: checkout.SubscriptionItemID,
	})
	if errors.Is(err, store.ErrSessionClaimed) {
		logger.Warn().Msg("checkout session was already applied to another org")
		return nil, apierror.NotFound().WithCause(err)
	}
	if err != nil {
		return nil, fmt.Errorf("upgrading organization: %w", err)
	}

	logger.Info().Str("user_id", initiator.UserID).Str("subscription_id", checkout.SubscriptionID).Msg("upgraded organization")
	if f.Events != nil {
		f.Events.Publish(orgID, "OrganizationUpgraded", "user %s upgraded the org with checkout session %s", initiator.UserID, sessionID)
	}
	return &Result{Org: org, Initiator: initiator}, nil
}

// Fulfill applies a checkout reported by a webhook. Errors that retrying won't
// fix are logged and swallowed so work queues can drop the request.
func (f *Flow) Fulfill(ctx context.Context, req Request) error {
	_, err := f.Confirm(ctx, req.OrgID, req.SessionID)
	if apiErr, ok := apierror.As(err); ok && apiErr.IsClientError() {
		zerolog.Ctx(ctx).Warn().Err(err).Str("org_id", req.OrgID).Str("session_id", req.SessionID).Msg("dropping checkout fulfillment")
		return nil
	}
	return err
}

func outcome(r *Result, err error) string {
	if err != nil {
		if apiErr, ok := apierror.As(err); ok && apiErr.IsClientError() {
			return "rejected"
		}
		return "error"
	}
	if r.AlreadyUpgraded {
		return "already_upgraded"
	}
	return "upgraded"
}

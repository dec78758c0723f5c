package payment

import (
	"context"
	"fmt"
	"net/url"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/TheLab-ms/orgbilling/internal/conf"
	"github.com/TheLab-ms/orgbilling/internal/datamodel"
)

// CheckoutSession is the subset of a Stripe checkout session that the upgrade flow cares about.
type CheckoutSession struct {
	ID                 string
	URL                string
	PaymentStatus      string
	ClientReferenceID  string
	SubscriptionID     string
	SubscriptionItemID string
}

func (c *CheckoutSession) Paid() bool {
	return c.PaymentStatus == string(stripe.CheckoutSessionPaymentStatusPaid)
}

func (c *CheckoutSession) HasSubscription() bool {
	return c.SubscriptionID != "" && c.SubscriptionItemID != ""
}

// Client wraps the Stripe API client so nothing depends on the library's global key.
type Client struct {
	api *client.API
	env *conf.Env
}

func NewClient(env *conf.Env) *Client {
	api := &client.API{}
	api.Init(env.StripeKey, nil)
	return &Client{api: api, env: env}
}

// GetCheckoutSession fetches a checkout session with its subscription expanded.
// A nil session and nil error means Stripe returned nothing for the ID.
func (c *Client) GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("subscription")

	s, err := c.api.CheckoutSessions.Get(id, params)
	if err != nil {
		return nil, err
	}
	return convertCheckoutSession(s), nil
}

// NewCheckoutSession starts a subscription checkout for the org on the given price.
func (c *Client) NewCheckoutSession(ctx context.Context, org *datamodel.Organization, userID, priceID string) (*CheckoutSession, error) {
	s, err := c.api.CheckoutSessions.New(NewCheckoutSessionParams(ctx, c.env, org, userID, priceID))
	if err != nil {
		return nil, fmt.Errorf("creating checkout session: %w", err)
	}
	return convertCheckoutSession(s), nil
}

// NewCheckoutSessionParams sets the various Stripe checkout options for an org upgrade.
// Stripe substitutes {CHECKOUT_SESSION_ID} in the success URL when redirecting back to us.
func NewCheckoutSessionParams(ctx context.Context, env *conf.Env, org *datamodel.Organization, userID, priceID string) *stripe.CheckoutSessionParams {
	orgPath := "/orgs/" + url.PathEscape(org.ID)
	checkoutParams := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		ClientReferenceID: stripe.String(org.ID),
		SuccessURL:        stripe.String(env.SelfURL + "/api" + orgPath + "/upgrade?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(env.SelfURL + orgPath),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(priceID),
			Quantity: stripe.Int64(1),
		}},
		AllowPromotionCodes: stripe.Bool(true),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"orgId": org.ID},
		},
	}
	checkoutParams.Context = ctx
	checkoutParams.AddMetadata("orgId", org.ID)
	checkoutParams.AddMetadata("userId", userID)
	return checkoutParams
}

func convertCheckoutSession(s *stripe.CheckoutSession) *CheckoutSession {
	if s == nil {
		return nil
	}
	out := &CheckoutSession{
		ID:                s.ID,
		URL:               s.URL,
		PaymentStatus:     string(s.PaymentStatus),
		ClientReferenceID: s.ClientReferenceID,
	}
	if sub := s.Subscription; sub != nil {
		out.SubscriptionID = sub.ID
		// the first item's ID references the plan the org is paying for
		if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0] != nil {
			out.SubscriptionItemID = sub.Items.Data[0].ID
		}
	}
	return out
}

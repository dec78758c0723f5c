package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v78"

	"github.com/TheLab-ms/orgbilling/internal/timeutil"
)

// PriceCache is used to store the org plan prices in-memory to avoid fetching them on every checkout.
type PriceCache struct {
	timeutil.Loop
	list  func(context.Context) ([]*Price, error)
	mut   sync.Mutex
	state []*Price
}

func (c *Client) NewPriceCache() *PriceCache {
	return newPriceCache(c.listPrices)
}

func newPriceCache(list func(context.Context) ([]*Price, error)) *PriceCache {
	p := &PriceCache{list: list}
	p.Loop.Handler = p.fillCache
	p.Loop.Interval = time.Hour
	return p
}

func (p *PriceCache) GetPrices() []*Price {
	p.mut.Lock()
	defer p.mut.Unlock()
	return p.state
}

// PlanPrice returns the price new checkouts should use, preferring monthly billing.
func (p *PriceCache) PlanPrice() *Price {
	var annual *Price
	for _, price := range p.GetPrices() {
		if !price.Annual {
			return price
		}
		if annual == nil {
			annual = price
		}
	}
	return annual
}

func (p *PriceCache) fillCache(ctx context.Context) {
	prices, err := p.list(ctx)
	if err != nil {
		// keep serving whatever we had last time
		log.Error().Err(err).Msg("failed to populate Stripe price cache - will retry")
		return
	}

	p.mut.Lock()
	p.state = prices
	p.mut.Unlock()
	log.Info().Int("count", len(prices)).Msg("updated cache of org plan prices")
}

func (c *Client) listPrices(ctx context.Context) ([]*Price, error) {
	params := &stripe.PriceListParams{
		Active:     stripe.Bool(true),
		Type:       stripe.String("recurring"),
		LookupKeys: []*string{stripe.String(c.env.OrgPlanLookupKey)},
	}
	params.Context = ctx

	iter := c.api.Prices.List(params)
	returns := []*Price{}
	for iter.Next() {
		if p := convertPrice(iter.Price()); p != nil {
			returns = append(returns, p)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("listing prices: %w", err)
	}
	return returns, nil
}

func convertPrice(price *stripe.Price) *Price {
	if price == nil || price.Recurring == nil || !price.Active || price.Deleted {
		return nil
	}
	p := &Price{
		ID:    price.ID,
		Price: price.UnitAmountDecimal / 100,
	}
	switch price.Recurring.Interval {
	case stripe.PriceRecurringIntervalMonth:
	case stripe.PriceRecurringIntervalYear:
		p.Annual = true
	default:
		return nil
	}
	if price.Product != nil {
		p.ProductID = price.Product.ID
	}
	return p
}

type Price struct {
	ID, ProductID string
	Annual        bool
	Price         float64
}

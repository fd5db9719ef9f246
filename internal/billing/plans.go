// Package billing maps payment-provider artifacts (prices, webhook events)
// onto credit grants. Checkout and portal redirects live outside this
// backend; only the webhook consequences matter here.
package billing

type Plan struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	PriceUSD       int    `json:"price_usd"`
	MonthlyCredits int    `json:"monthly_credits"`
	StripePriceID  string `json:"stripe_price_id"`
}

// Catalog resolves Stripe price ids to plans. Price ids are deployment
// configuration, so the catalog is built at startup rather than hardcoded.
type Catalog struct {
	plans []Plan
}

func NewCatalog(starterPriceID, proPriceID, businessPriceID string) *Catalog {
	return &Catalog{plans: []Plan{
		{ID: "starter", Name: "Starter", PriceUSD: 9, MonthlyCredits: 50, StripePriceID: starterPriceID},
		{ID: "pro", Name: "Professional", PriceUSD: 29, MonthlyCredits: 200, StripePriceID: proPriceID},
		{ID: "business", Name: "Business", PriceUSD: 99, MonthlyCredits: 1000, StripePriceID: businessPriceID},
	}}
}

func (c *Catalog) Plans() []Plan {
	out := make([]Plan, len(c.plans))
	copy(out, c.plans)
	return out
}

func (c *Catalog) ByPriceID(priceID string) (Plan, bool) {
	if priceID == "" {
		return Plan{}, false
	}
	for _, p := range c.plans {
		if p.StripePriceID == priceID {
			return p, true
		}
	}
	return Plan{}, false
}

// CreditsForPriceID returns the monthly credit grant for a price, or 0 for
// unknown prices.
func (c *Catalog) CreditsForPriceID(priceID string) int {
	p, ok := c.ByPriceID(priceID)
	if !ok {
		return 0
	}
	return p.MonthlyCredits
}

// NameForPriceID returns the plan name for a price, or "unknown".
func (c *Catalog) NameForPriceID(priceID string) string {
	p, ok := c.ByPriceID(priceID)
	if !ok {
		return "unknown"
	}
	return p.Name
}

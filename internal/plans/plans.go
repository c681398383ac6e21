// Package plans is the static plan catalog: quotas per metered feature and
// the billing price that maps to each paid tier.
package plans

import (
	"agrimanagement/internal/models"
)

// Limit is a monthly quota. Unlimited is a dedicated flag so no finite
// usage can ever compare greater than it.
type Limit struct {
	Unlimited bool
	Max       int
}

func Finite(n int) Limit {
	if n < 0 {
		n = 0
	}
	return Limit{Max: n}
}

var Unlimited = Limit{Unlimited: true}

// Allows reports whether one more call fits under the limit.
func (l Limit) Allows(used int) bool {
	return l.Unlimited || used < l.Max
}

// Remaining is max(0, Max-used), or -1 when unlimited.
func (l Limit) Remaining(used int) int {
	if l.Unlimited {
		return -1
	}
	if used >= l.Max {
		return 0
	}
	return l.Max - used
}

type Plan struct {
	Tier     models.Tier
	Name     string
	Interval string
	PriceRef string
	Quotas   map[models.Feature]Limit
}

// Paid reports whether the plan is bought through checkout.
func (p Plan) Paid() bool {
	return p.Tier != models.TierFree
}

// FreeQuotas are the monthly limits of the default tier.
type FreeQuotas struct {
	Scan      int
	Assistant int
	Export    int
}

// PriceRefs are the billing price identifiers of the paid tiers.
type PriceRefs struct {
	Standard  string
	Premium   string
	ProYearly string
}

type Catalog struct {
	plans   map[models.Tier]Plan
	order   []models.Tier
	byPrice map[string]models.Tier
}

// NewCatalog builds the four-tier catalog. Every paid tier is unlimited
// for every feature; only the free tier carries finite quotas.
func NewCatalog(free FreeQuotas, prices PriceRefs) *Catalog {
	unlimited := func() map[models.Feature]Limit {
		q := make(map[models.Feature]Limit, len(models.Features))
		for _, f := range models.Features {
			q[f] = Unlimited
		}
		return q
	}

	list := []Plan{
		{
			Tier:     models.TierFree,
			Name:     "Free",
			Interval: "month",
			Quotas: map[models.Feature]Limit{
				models.FeatureScan:      Finite(free.Scan),
				models.FeatureAssistant: Finite(free.Assistant),
				models.FeatureExport:    Finite(free.Export),
			},
		},
		{Tier: models.TierStandard, Name: "Standard", Interval: "month", PriceRef: prices.Standard, Quotas: unlimited()},
		{Tier: models.TierPremium, Name: "Premium", Interval: "month", PriceRef: prices.Premium, Quotas: unlimited()},
		{Tier: models.TierProYearly, Name: "Pro (yearly)", Interval: "year", PriceRef: prices.ProYearly, Quotas: unlimited()},
	}

	c := &Catalog{
		plans:   make(map[models.Tier]Plan, len(list)),
		byPrice: make(map[string]models.Tier, len(list)),
	}
	for _, p := range list {
		c.plans[p.Tier] = p
		c.order = append(c.order, p.Tier)
		if p.PriceRef != "" {
			c.byPrice[p.PriceRef] = p.Tier
		}
	}
	return c
}

// QuotaFor returns the monthly limit of feature on tier. Unknown pairs get
// a zero limit, never unlimited.
func (c *Catalog) QuotaFor(tier models.Tier, feature models.Feature) Limit {
	p, ok := c.plans[tier]
	if !ok {
		return Limit{}
	}
	l, ok := p.Quotas[feature]
	if !ok {
		return Limit{}
	}
	return l
}

// TierForPriceRef maps a billing price back to its tier.
func (c *Catalog) TierForPriceRef(ref string) (models.Tier, bool) {
	if ref == "" {
		return "", false
	}
	t, ok := c.byPrice[ref]
	return t, ok
}

// PriceRefFor returns the checkout price of a paid tier.
func (c *Catalog) PriceRefFor(tier models.Tier) (string, bool) {
	p, ok := c.plans[tier]
	if !ok || !p.Paid() || p.PriceRef == "" {
		return "", false
	}
	return p.PriceRef, true
}

func (c *Catalog) Plan(tier models.Tier) (Plan, bool) {
	p, ok := c.plans[tier]
	return p, ok
}

// Plans lists the catalog in display order.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, t := range c.order {
		out = append(out, c.plans[t])
	}
	return out
}

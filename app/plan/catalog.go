package plan

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-billing/config"
)

const (
	Monthly   = "monthly"
	Quarterly = "quarterly"
	Yearly    = "yearly"
)

var ErrUnknownPlan = errors.New("unknown plan")

type Plan struct {
	Type          string
	AmountMinor   int64
	PeriodDays    int
	HostedPriceID string
}

// PeriodEnd is the end of one plan period started at start.
func (p Plan) PeriodEnd(start time.Time) time.Time {
	return start.AddDate(0, 0, p.PeriodDays)
}

type Catalog struct {
	plans map[string]Plan
}

func NewCatalog(cfg config.PlansConfig) *Catalog {
	return NewCatalogFromPlans(
		Plan{Type: Monthly, AmountMinor: cfg.MonthlyAmount, PeriodDays: 30, HostedPriceID: strings.TrimSpace(cfg.StripePriceMonthly)},
		Plan{Type: Quarterly, AmountMinor: cfg.QuarterlyAmount, PeriodDays: 90, HostedPriceID: strings.TrimSpace(cfg.StripePriceQuarterly)},
		Plan{Type: Yearly, AmountMinor: cfg.YearlyAmount, PeriodDays: 365, HostedPriceID: strings.TrimSpace(cfg.StripePriceYearly)},
	)
}

func NewCatalogFromPlans(plans ...Plan) *Catalog {
	items := make(map[string]Plan, len(plans))
	for _, p := range plans {
		if p.AmountMinor <= 0 || p.PeriodDays <= 0 {
			continue
		}
		items[strings.ToLower(p.Type)] = p
	}
	return &Catalog{plans: items}
}

func (c *Catalog) Lookup(planType string) (Plan, error) {
	p, ok := c.plans[strings.ToLower(strings.TrimSpace(planType))]
	if !ok {
		return Plan{}, ErrUnknownPlan
	}
	return p, nil
}

func (c *Catalog) Types() []string {
	out := make([]string, 0, len(c.plans))
	for k := range c.plans {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

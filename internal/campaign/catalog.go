package campaign

import (
	"strings"

	"github.com/littleblessing/backend/internal/blessings"
)

const (
	// DefaultBaseURL is the hosted billing-plan subscribe page.
	DefaultBaseURL = "https://www.paypal.com/billing/plans/subscribe?plan_id="
	// UnknownLink is returned for tier identifiers without a plan.
	UnknownLink = "#"
	currencyTWD = "TWD"
)

// DefaultPlans maps catalog tier ids to billing plan ids.
var DefaultPlans = map[string]string{
	"tier-1": "P-51M44352TK751472SNFPBFPY",
	"tier-2": "P-8VD31323VA233292BNFPBG6Q",
	"tier-3": "P-3RC26760JT829260YNFPBIBI",
}

// Tier describes one monthly sponsorship plan.
type Tier struct {
	ID           string         `json:"id"`
	Level        blessings.Tier `json:"level"`
	Name         string         `json:"name"`
	Price        int            `json:"price"`
	Currency     string         `json:"currency"`
	Description  string         `json:"description"`
	Perks        []string       `json:"perks"`
	SubscribeURL string         `json:"subscribeUrl"`
}

var tiers = []Tier{
	{
		ID:          "tier-1",
		Level:       blessings.TierBronze,
		Name:        "小天使",
		Price:       500,
		Description: "基礎尿布與奶粉贊助方案",
		Perks:       []string{"每月獲得寶貝超音波更新", "專屬Line群組邀請", "第一時間獲得出生通知"},
	},
	{
		ID:          "tier-2",
		Level:       blessings.TierSilver,
		Name:        "守護神",
		Price:       1500,
		Description: "成長與教育守護方案",
		Perks:       []string{"所有小天使權益", "寶貝滿月禮盒優先配送", "每季一次寶貝成長影片"},
	},
	{
		ID:          "tier-3",
		Level:       blessings.TierGold,
		Name:        "超級英雄",
		Price:       3000,
		Description: "夢想啟航終極贊助方案",
		Perks:       []string{"所有守護神權益", "寶貝乾媽/乾爹證書", "每年生日聚餐優先保留位", "寶貝第一聲乾爹/乾媽特輯"},
	},
}

// Config controls where subscribe links point.
type Config struct {
	BaseURL string
	Plans   map[string]string
}

// Catalog is the static tier list with resolved payment links.
type Catalog struct {
	baseURL string
	plans   map[string]string
}

// NewCatalog builds a Catalog. Empty settings fall back to the defaults.
func NewCatalog(cfg Config) *Catalog {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	plans := make(map[string]string, len(DefaultPlans))
	for id, plan := range DefaultPlans {
		plans[id] = plan
	}
	for id, plan := range cfg.Plans {
		if trimmed := strings.TrimSpace(plan); trimmed != "" {
			plans[strings.ToLower(strings.TrimSpace(id))] = trimmed
		}
	}
	return &Catalog{baseURL: baseURL, plans: plans}
}

// Tiers returns the catalog in ascending price order.
func (c *Catalog) Tiers() []Tier {
	result := make([]Tier, 0, len(tiers))
	for _, tier := range tiers {
		copyTier := tier
		copyTier.Perks = append([]string(nil), tier.Perks...)
		copyTier.Currency = currencyTWD
		copyTier.SubscribeURL = c.Link(tier.ID)
		result = append(result, copyTier)
	}
	return result
}

// Link returns the subscribe URL for a tier id, or UnknownLink.
func (c *Catalog) Link(tierID string) string {
	plan, ok := c.plans[strings.ToLower(strings.TrimSpace(tierID))]
	if !ok {
		return UnknownLink
	}
	return c.baseURL + plan
}

package credits

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PackRule maps one external price identifier to a purchasable credit pack
// and its expiry policy. Rules are configuration, never persisted per-user.
type PackRule struct {
	PackKey        string
	PriceID        string
	Credits        int64
	ValidityMonths int
	GraceDays      int
	AutoExtend     bool
	Label          string
}

// ExpiryFrom computes when credits granted now under this rule lapse.
func (rule PackRule) ExpiryFrom(now time.Time) time.Time {
	return now.AddDate(0, rule.ValidityMonths, rule.GraceDays)
}

// PackTable is the read-only pack configuration keyed by price identifier.
// It is swapped only via configuration and redeploy.
type PackTable struct {
	byPriceID map[string]PackRule
}

// NewPackTable validates rules and indexes them by price identifier.
func NewPackTable(rules []PackRule) (*PackTable, error) {
	table := &PackTable{byPriceID: make(map[string]PackRule, len(rules))}
	for _, rule := range rules {
		packKey := strings.TrimSpace(rule.PackKey)
		priceID := strings.TrimSpace(rule.PriceID)
		if packKey == "" || priceID == "" {
			return nil, fmt.Errorf("%w: pack key and price id are required", ErrInvalidPackRule)
		}
		if rule.Credits <= 0 {
			return nil, fmt.Errorf("%w: pack %q grants no credits", ErrInvalidPackRule, packKey)
		}
		if rule.ValidityMonths < 0 || rule.GraceDays < 0 {
			return nil, fmt.Errorf("%w: pack %q has a negative validity window", ErrInvalidPackRule, packKey)
		}
		if _, exists := table.byPriceID[priceID]; exists {
			return nil, fmt.Errorf("%w: duplicate price id %q", ErrInvalidPackRule, priceID)
		}
		rule.PackKey = packKey
		rule.PriceID = priceID
		table.byPriceID[priceID] = rule
	}
	return table, nil
}

// RuleForPrice looks up the pack rule for an external price identifier.
func (table *PackTable) RuleForPrice(priceID string) (PackRule, bool) {
	rule, ok := table.byPriceID[strings.TrimSpace(priceID)]
	return rule, ok
}

// Len reports the number of configured packs.
func (table *PackTable) Len() int {
	return len(table.byPriceID)
}

// creditsForItems accumulates the credit total for a purchase. Recognized
// price identifiers contribute rule.Credits per unit; unrecognized ones fall
// back to a per-unit count in the line item's own metadata, else zero. The
// rule of the last recognized line item wins for expiry/pack policy.
func (table *PackTable) creditsForItems(items []LineItem) (int64, PackRule, bool) {
	var total int64
	var matched PackRule
	var found bool
	for _, item := range items {
		if item.Quantity <= 0 {
			continue
		}
		if rule, ok := table.RuleForPrice(item.PriceID); ok {
			total += rule.Credits * item.Quantity
			matched = rule
			found = true
			continue
		}
		if perUnit := unitCreditsFromMetadata(item.Metadata); perUnit > 0 {
			total += perUnit * item.Quantity
		}
	}
	return total, matched, found
}

func unitCreditsFromMetadata(metadata map[string]string) int64 {
	raw, ok := metadata[MetadataKeyUnitCredits]
	if !ok {
		return 0
	}
	perUnit, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || perUnit < 0 {
		return 0
	}
	return perUnit
}

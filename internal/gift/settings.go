package gift

import (
	"strings"

	"github.com/magic-spells/gift-with-purchase/internal/common"
)

// Attribute keys recognised on the widget configuration surface. They mirror
// the declarative attributes a storefront sets on the embedded widget.
const (
	AttrThreshold     = "threshold"
	AttrCurrentAmount = "current-amount"
	AttrVariantID     = "variant-id"
	AttrPromoEnded    = "promo-ended"
	AttrMessageAbove  = "message-above"
	AttrMessageBelow  = "message-below"
	AttrMoneyFormat   = "money-format"
)

// Settings is the parsed declarative configuration of one widget instance.
// Malformed numeric attributes coerce to zero, never to an error.
type Settings struct {
	Threshold     float64
	CurrentAmount float64
	VariantID     string
	PromoEnded    bool
	MessageAbove  string
	MessageBelow  string
	MoneyFormat   string
}

// ParseSettings builds Settings from a flat attribute map.
func ParseSettings(attrs map[string]string) Settings {
	return Settings{}.Merge(attrs)
}

// Merge applies the attributes present in attrs on top of s and returns the
// result. Attributes absent from the map keep their current value.
func (s Settings) Merge(attrs map[string]string) Settings {
	if value, ok := attrs[AttrThreshold]; ok {
		s.Threshold = clampAmount(common.FloatOrZero(value))
	}
	if value, ok := attrs[AttrCurrentAmount]; ok {
		s.CurrentAmount = clampAmount(common.FloatOrZero(value))
	}
	if value, ok := attrs[AttrVariantID]; ok {
		s.VariantID = strings.TrimSpace(value)
	}
	if value, ok := attrs[AttrPromoEnded]; ok {
		// presence flag in the markup surface: any value except an explicit
		// "false" enables it
		s.PromoEnded = !strings.EqualFold(strings.TrimSpace(value), "false")
	}
	if value, ok := attrs[AttrMessageAbove]; ok {
		s.MessageAbove = value
	}
	if value, ok := attrs[AttrMessageBelow]; ok {
		s.MessageBelow = value
	}
	if value, ok := attrs[AttrMoneyFormat]; ok {
		s.MoneyFormat = value
	}
	return s
}

func clampAmount(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

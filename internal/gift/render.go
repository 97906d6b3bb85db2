package gift

import (
	"strings"

	"github.com/magic-spells/gift-with-purchase/internal/money"
)

// Widget display labels, mutually exclusive, in priority order.
const (
	LabelEnded    = "ended"
	LabelAdded    = "added"
	LabelActive   = "active"
	LabelInactive = "inactive"
)

// amountToken is the placeholder substituted with the formatted remaining
// amount in the below-threshold message.
const amountToken = "[amount]"

// RenderInput is everything the presentation mapping depends on.
type RenderInput struct {
	Active             bool
	Added              bool
	PromoEnded         bool
	CurrentAmount      float64
	ConvertedThreshold float64
	MessageAbove       string
	MessageBelow       string
	MoneyFormat        string
}

// RenderState is the derived presentation of a widget instance.
type RenderState struct {
	Visible   bool    `json:"visible"`
	Label     string  `json:"label"`
	Message   string  `json:"message"`
	Remaining float64 `json:"remaining"`
}

// Render maps live state to presentation. It is a pure function and safe to
// call redundantly after every recompute.
func Render(in RenderInput) RenderState {
	remaining := in.ConvertedThreshold - in.CurrentAmount
	if remaining < 0 {
		remaining = 0
	}
	out := RenderState{Visible: true, Label: LabelInactive, Remaining: remaining}
	switch {
	case in.PromoEnded:
		// an ended promo also forces the widget hidden
		out.Label = LabelEnded
		out.Visible = false
		return out
	case in.Added:
		out.Label = LabelAdded
	case in.Active:
		out.Label = LabelActive
	}
	if in.Active || in.Added {
		out.Message = in.MessageAbove
	} else {
		formatted := money.Format(remaining, in.MoneyFormat)
		out.Message = strings.ReplaceAll(in.MessageBelow, amountToken, formatted)
	}
	return out
}

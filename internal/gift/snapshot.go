package gift

import (
	"strings"

	"github.com/tidwall/gjson"
)

// GiftProperty is the line-item property marking the promotional gift.
const GiftProperty = "_gwp_item"

// Snapshot is a point-in-time view of the external cart, borrowed for a
// single recompute and never stored beyond it.
type Snapshot struct {
	// Subtotal is the spend figure the threshold is compared against.
	Subtotal float64
	// HasSubtotal reports whether the payload carried a subtotal at all.
	// Without it the notification is ignored.
	HasSubtotal bool
	Items       []LineItem
}

// LineItem is one cart line as delivered by the storefront.
type LineItem struct {
	Key        string
	VariantID  string
	Quantity   int
	Properties map[string]string
}

// CartLine identifies a cart line for removal.
type CartLine struct {
	Key       string
	VariantID string
}

// ParseSnapshot decodes a cart-changed payload. Parsing is tolerant: numeric
// and string variant identifiers normalise to the same string form, unknown
// fields are ignored, and a missing subtotal simply leaves HasSubtotal false.
func ParseSnapshot(body []byte) Snapshot {
	var snap Snapshot
	if sub := gjson.GetBytes(body, "calculated_subtotal"); sub.Exists() {
		snap.HasSubtotal = true
		snap.Subtotal = sub.Float()
	}
	items := gjson.GetBytes(body, "items")
	if !items.IsArray() {
		return snap
	}
	for _, it := range items.Array() {
		line := LineItem{
			Key:       it.Get("key").String(),
			VariantID: it.Get("variant_id").String(),
			Quantity:  int(it.Get("quantity").Int()),
		}
		if props := it.Get("properties"); props.IsObject() {
			line.Properties = make(map[string]string)
			props.ForEach(func(k, v gjson.Result) bool {
				line.Properties[k.String()] = v.String()
				return true
			})
		}
		snap.Items = append(snap.Items, line)
	}
	return snap
}

// GiftLines returns the lines whose variant identifier matches variantID and
// which carry the gift marker property. An empty variantID matches nothing.
func (s Snapshot) GiftLines(variantID string) []CartLine {
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return nil
	}
	var lines []CartLine
	for _, item := range s.Items {
		if strings.TrimSpace(item.VariantID) != variantID {
			continue
		}
		if item.Properties[GiftProperty] != "true" {
			continue
		}
		lines = append(lines, CartLine{Key: item.Key, VariantID: item.VariantID})
	}
	return lines
}

package gift

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSettings(t *testing.T) {
	s := ParseSettings(map[string]string{
		AttrThreshold:     "75",
		AttrCurrentAmount: "12.5",
		AttrVariantID:     " 12345678 ",
		AttrMessageAbove:  "You earned a gift!",
		AttrMessageBelow:  "Spend [amount] more",
		AttrMoneyFormat:   "${{amount}}",
	})
	require.Equal(t, float64(75), s.Threshold)
	require.Equal(t, 12.5, s.CurrentAmount)
	require.Equal(t, "12345678", s.VariantID)
	require.False(t, s.PromoEnded)
	require.Equal(t, "Spend [amount] more", s.MessageBelow)
}

func TestParseSettingsMalformedNumbersCoerceToZero(t *testing.T) {
	s := ParseSettings(map[string]string{
		AttrThreshold:     "seventy five",
		AttrCurrentAmount: "-30",
	})
	require.Zero(t, s.Threshold)
	require.Zero(t, s.CurrentAmount)
}

func TestMergeKeepsAbsentAttributes(t *testing.T) {
	base := Settings{Threshold: 75, VariantID: "111", MessageBelow: "almost there"}
	merged := base.Merge(map[string]string{AttrThreshold: "100"})
	require.Equal(t, float64(100), merged.Threshold)
	require.Equal(t, "111", merged.VariantID)
	require.Equal(t, "almost there", merged.MessageBelow)
}

func TestPromoEndedIsPresenceFlag(t *testing.T) {
	cases := map[string]bool{
		"":      true,
		"true":  true,
		"yes":   true,
		"1":     true,
		"false": false,
		"FALSE": false,
	}
	for value, want := range cases {
		s := Settings{}.Merge(map[string]string{AttrPromoEnded: value})
		require.Equal(t, want, s.PromoEnded, "value %q", value)
	}

	// absent attribute keeps the current value
	s := Settings{PromoEnded: true}.Merge(nil)
	require.True(t, s.PromoEnded)
}

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOffer() *OfferConfig {
	return &OfferConfig{
		ID:        "O1",
		Slug:      "summer-sale",
		Status:    OfferActive,
		AllowGeos: []string{"US"},
		Caps:      []CapLimit{{Scope: CapScopeOffer, Count: 1, Period: PeriodDay}},
		Landings: []LandingConfig{
			{ID: "L1", OfferID: "O1", URLTemplate: "https://lp.example/{offer_id}?s={sub1}", Weight: 1},
		},
	}
}

func TestOfferConfig_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, validOffer().Validate())

	tests := []struct {
		name   string
		mutate func(o *OfferConfig)
	}{
		{"empty id", func(o *OfferConfig) { o.ID = " " }},
		{"unknown status", func(o *OfferConfig) { o.Status = "archived" }},
		{"lowercase geo", func(o *OfferConfig) { o.AllowGeos = []string{"us"} }},
		{"three letter geo", func(o *OfferConfig) { o.DenyGeos = []string{"USA"} }},
		{"zero cap", func(o *OfferConfig) { o.Caps[0].Count = 0 }},
		{"unknown period", func(o *OfferConfig) { o.Caps[0].Period = "fortnight" }},
		{"unknown scope", func(o *OfferConfig) { o.Caps[0].Scope = "landing" }},
		{"duplicate cap", func(o *OfferConfig) { o.Caps = append(o.Caps, o.Caps[0]) }},
		{"duplicate landing", func(o *OfferConfig) { o.Landings = append(o.Landings, o.Landings[0]) }},
		{"foreign landing", func(o *OfferConfig) { o.Landings[0].OfferID = "O2" }},
		{"negative weight", func(o *OfferConfig) { o.Landings[0].Weight = -1 }},
		{"javascript url", func(o *OfferConfig) { o.Landings[0].URLTemplate = "javascript:alert(1)" }},
		{"no host", func(o *OfferConfig) { o.Landings[0].URLTemplate = "https:///path" }},
		{"open placeholder", func(o *OfferConfig) { o.Landings[0].URLTemplate = "https://lp.example/{sub1" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			o := validOffer()
			tt.mutate(o)
			assert.ErrorIs(t, o.Validate(), ErrInvalidOffer)
		})
	}
}

func TestOfferConfig_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	o := validOffer()
	c := o.Clone()
	c.AllowGeos[0] = "DE"
	c.Landings[0].Weight = 9
	c.Caps[0].Count = 100

	assert.Equal(t, "US", o.AllowGeos[0])
	assert.Equal(t, 1, o.Landings[0].Weight)
	assert.Equal(t, int64(1), o.Caps[0].Count)
	assert.Nil(t, (*OfferConfig)(nil).Clone())
}

func TestOfferConfig_Matches(t *testing.T) {
	t.Parallel()

	o := validOffer()
	assert.True(t, o.Matches("O1"))
	assert.True(t, o.Matches("summer-sale"))
	assert.False(t, o.Matches("O2"))

	o.Slug = ""
	assert.False(t, o.Matches(""))
}

func TestNormalizeGeo(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"us":   "US",
		" de ": "DE",
		"XX":   UnknownGeo,
		"T1":   UnknownGeo,
		"":     UnknownGeo,
		"USA":  UnknownGeo,
		"1A":   UnknownGeo,
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeGeo(in), "input %q", in)
	}
	assert.True(t, IsKnownGeo("fr"))
	assert.False(t, IsKnownGeo("T1"))
}

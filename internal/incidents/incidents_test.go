package incidents

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sentinelroad/backend/internal/geo"
)

var testRegion = geo.BBox{MinLat: 18.3, MinLon: 73.6, MaxLat: 18.7, MaxLon: 74.1}

func ptr(f float64) *float64 { return &f }

func TestIncidentValidate(t *testing.T) {
	valid := Incident{
		Title:        "Major accident on Karve Road",
		LocationText: "Karve Road",
		Source:       SourceNews,
		Confidence:   0.8,
	}
	assert.NoError(t, valid.Validate(testRegion))

	tests := []struct {
		name   string
		mutate func(*Incident)
	}{
		{"title too short", func(in *Incident) { in.Title = "ab" }},
		{"title whitespace only", func(in *Incident) { in.Title = "   " }},
		{"location text is http url", func(in *Incident) { in.LocationText = "http://news.example.com/story" }},
		{"location text is https url", func(in *Incident) { in.LocationText = "https://news.example.com/story" }},
		{"latitude without longitude", func(in *Incident) { in.Latitude = ptr(18.52) }},
		{"longitude without latitude", func(in *Incident) { in.Longitude = ptr(73.85) }},
		{"coordinates out of range", func(in *Incident) {
			in.Latitude = ptr(118.52)
			in.Longitude = ptr(73.85)
		}},
		{"coordinates outside region", func(in *Incident) {
			in.Latitude = ptr(19.07) // Mumbai
			in.Longitude = ptr(72.87)
		}},
		{"no location at all", func(in *Incident) { in.LocationText = "" }},
		{"unknown source", func(in *Incident) { in.Source = "telegram" }},
		{"confidence above one", func(in *Incident) { in.Confidence = 1.2 }},
		{"confidence negative", func(in *Incident) { in.Confidence = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			err := in.Validate(testRegion)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestIncidentValidateCoordinatesWithoutText(t *testing.T) {
	in := Incident{
		Title:     "Crash near Shivajinagar",
		Latitude:  ptr(18.5304),
		Longitude: ptr(73.8567),
		Source:    SourceOfficial,
	}
	assert.NoError(t, in.Validate(testRegion))
}

func TestTrustRankOrdering(t *testing.T) {
	official := Incident{Source: SourceOfficial}
	news := Incident{Source: SourceNews}
	verified := Incident{Source: SourceUserReport, Verified: true}
	unverified := Incident{Source: SourceUserReport}

	assert.Greater(t, official.TrustRank(), news.TrustRank())
	assert.Greater(t, news.TrustRank(), verified.TrustRank())
	assert.Greater(t, verified.TrustRank(), unverified.TrustRank())
}

func TestEffectiveTimePrefersOccurredAt(t *testing.T) {
	occurred := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	created := occurred.Add(2 * time.Hour)

	in := Incident{OccurredAt: &occurred, CreatedAt: created}
	assert.Equal(t, occurred, in.EffectiveTime())

	in.OccurredAt = nil
	assert.Equal(t, created, in.EffectiveTime())
}

func TestValidateRejectsLongURLTexts(t *testing.T) {
	in := Incident{
		Title:        "Traffic jam reported",
		LocationText: "https://" + strings.Repeat("a", 200) + ".example.com",
		Source:       SourceNews,
	}
	assert.ErrorIs(t, in.Validate(testRegion), ErrInvalid)
}

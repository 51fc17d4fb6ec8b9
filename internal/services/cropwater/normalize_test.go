package cropwater

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRegion(t *testing.T) {
	cases := map[string]string{
		"Trans-Gangetic Plain Region":  "Trans-Gangetic Plain Region",
		"  trans-gangetic plain region": "Trans-Gangetic Plain Region",
		"WESTERN  DRY   REGION":        "Western Dry Region",
		"desert":                       "Western Dry Region",
		"Semi Arid":                    "Central Plateau & Hills Region",
		"SEMI HUMID":                   "Western Himalayan Region",
		"humid":                        "Eastern Himalayan Region",
		"Atlantis":                     DefaultZone,
		"":                             DefaultZone,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeRegion(in), "region %q", in)
	}
}

func TestZonesAreFifteen(t *testing.T) {
	assert.Len(t, Zones, 15)
	for _, z := range Zones {
		assert.Equal(t, z, NormalizeRegion(z))
	}
}

func TestNormalizeTemperature(t *testing.T) {
	assert.Equal(t, "30-40", NormalizeTemperature(" 30-40 "))
	assert.Equal(t, "10-20", NormalizeTemperature("10 - 20"))
	assert.Equal(t, DefaultTemperature, NormalizeTemperature("25"))
	assert.Equal(t, DefaultTemperature, NormalizeTemperature(""))
	assert.Equal(t, DefaultTemperature, NormalizeTemperature("50-60"))
}

func TestNormalize(t *testing.T) {
	got := Normalize(Query{
		CropType:         " maize",
		SoilType:         "dry ",
		Region:           "semi arid",
		Temperature:      "40-50",
		WeatherCondition: "Sunny",
	})
	assert.Equal(t, Query{
		CropType:         "MAIZE",
		SoilType:         "DRY",
		Region:           "Central Plateau & Hills Region",
		Temperature:      "40-50",
		WeatherCondition: "SUNNY",
	}, got)
}

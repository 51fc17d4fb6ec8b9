package cropwater

import "strings"

// Zones are the 15 agro-climatic zones accepted by the crop-water predictor.
var Zones = []string{
	"Western Himalayan Region",
	"Eastern Himalayan Region",
	"Lower Gangetic Plain Region",
	"Middle Gangetic Plain Region",
	"Upper Gangetic Plain Region",
	"Trans-Gangetic Plain Region",
	"Eastern Plateau & Hills Region",
	"Central Plateau & Hills Region",
	"Western Plateau & Hills Region",
	"Southern Plateau & Hills Region",
	"East Coast Plains & Hills Region",
	"West Coast Plains & Ghats Region",
	"Gujarat Plains & Hills Region",
	"Western Dry Region",
	"Island Region",
}

// TemperatureBands are the only temperature values the predictor accepts.
var TemperatureBands = []string{"10-20", "20-30", "30-40", "40-50"}

const (
	DefaultZone        = "Western Himalayan Region"
	DefaultTemperature = "20-30"
)

// nomi "climatici" usati dalla UI -> zona agro-climatica
var legacyRegions = map[string]string{
	"DESERT":     "Western Dry Region",
	"SEMI ARID":  "Central Plateau & Hills Region",
	"SEMI HUMID": "Western Himalayan Region",
	"HUMID":      "Eastern Himalayan Region",
}

var zoneByUpper = func() map[string]string {
	m := make(map[string]string, len(Zones))
	for _, z := range Zones {
		m[strings.ToUpper(z)] = z
	}
	return m
}()

// Query carries the categorical context of a farm for one prediction.
type Query struct {
	CropType         string `json:"crop_type"`
	SoilType         string `json:"soil_type"`
	Region           string `json:"region"`
	Temperature      string `json:"temperature"`
	WeatherCondition string `json:"weather_condition"`
}

// Normalize folds the query into the casing and vocabularies the predictor expects.
func Normalize(q Query) Query {
	return Query{
		CropType:         strings.ToUpper(strings.TrimSpace(q.CropType)),
		SoilType:         strings.ToUpper(strings.TrimSpace(q.SoilType)),
		Region:           NormalizeRegion(q.Region),
		Temperature:      NormalizeTemperature(q.Temperature),
		WeatherCondition: strings.ToUpper(strings.TrimSpace(q.WeatherCondition)),
	}
}

// NormalizeRegion maps a zone name (any case) or a legacy climate name to a zone.
// Unknown values fall back to DefaultZone.
func NormalizeRegion(region string) string {
	key := strings.ToUpper(strings.Join(strings.Fields(region), " "))
	if z, ok := zoneByUpper[key]; ok {
		return z
	}
	if z, ok := legacyRegions[key]; ok {
		return z
	}
	return DefaultZone
}

// NormalizeTemperature keeps a known band, otherwise returns DefaultTemperature.
func NormalizeTemperature(t string) string {
	t = strings.ReplaceAll(strings.TrimSpace(t), " ", "")
	for _, b := range TemperatureBands {
		if t == b {
			return b
		}
	}
	return DefaultTemperature
}

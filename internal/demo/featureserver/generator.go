package featureserver

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/webgis-ai/webgis/internal/arcgis"
)

var layerFields = []arcgis.Field{
	{Name: "OBJECTID", Type: "esriFieldTypeOID", Alias: "OBJECTID"},
	{Name: "HYDRANT_ID", Type: "esriFieldTypeString", Alias: "Hydrant ID", Length: 16},
	{Name: "STATUS", Type: "esriFieldTypeString", Alias: "Status", Length: 32},
	{Name: "FLOW_GPM", Type: "esriFieldTypeDouble", Alias: "Flow (gpm)"},
	{Name: "STREET_NAME", Type: "esriFieldTypeString", Alias: "Street", Length: 64},
	{Name: "INSTALL_DATE", Type: "esriFieldTypeDate", Alias: "Install date", Length: 8},
}

var streets = []string{"Main St", "Oak Ave", "Burnside St", "Division St", "Alder St", "Hawthorne Blvd"}

type Generator struct {
	rnd       *rand.Rand
	centerLon float64
	centerLat float64
	sequence  int64
}

func NewGenerator(seed int64, centerLon, centerLat float64) *Generator {
	return &Generator{
		rnd:       rand.New(rand.NewSource(seed)),
		centerLon: centerLon,
		centerLat: centerLat,
	}
}

// NextFeature returns a hydrant point within roughly 5km of the center.
func (g *Generator) NextFeature() arcgis.Feature {
	g.sequence++
	x := round6(g.centerLon + (g.rnd.Float64()-0.5)*0.1)
	y := round6(g.centerLat + (g.rnd.Float64()-0.5)*0.1)
	installed := time.Date(1960+g.rnd.Intn(64), time.Month(g.rnd.Intn(12)+1), g.rnd.Intn(28)+1, 0, 0, 0, 0, time.UTC)

	return arcgis.Feature{
		Attributes: map[string]any{
			"OBJECTID":     g.sequence,
			"HYDRANT_ID":   fmt.Sprintf("H-%06d", g.sequence),
			"STATUS":       g.pickStatus(),
			"FLOW_GPM":     math.Round(500 + g.rnd.Float64()*1500),
			"STREET_NAME":  streets[g.rnd.Intn(len(streets))],
			"INSTALL_DATE": installed.UnixMilli(),
		},
		Geometry: &arcgis.Geometry{X: &x, Y: &y},
	}
}

func (g *Generator) Features(count int) []arcgis.Feature {
	features := make([]arcgis.Feature, 0, count)
	for i := 0; i < count; i++ {
		features = append(features, g.NextFeature())
	}
	return features
}

func (g *Generator) pickStatus() string {
	p := g.rnd.Intn(100)
	switch {
	case p < 85:
		return "In Service"
	case p < 95:
		return "Out of Service"
	default:
		return "Scheduled Maintenance"
	}
}

func round6(value float64) float64 {
	return math.Round(value*1e6) / 1e6
}

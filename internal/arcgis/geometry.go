package arcgis

import (
	"strconv"
	"strings"
)

// Geometry holds the subset of Esri JSON geometry shapes this service stores.
type Geometry struct {
	X     *float64      `json:"x,omitempty"`
	Y     *float64      `json:"y,omitempty"`
	Paths [][][]float64 `json:"paths,omitempty"`
	Rings [][][]float64 `json:"rings,omitempty"`
}

// Kind normalizes "esriGeometryPolyline" to "polyline".
func Kind(geometryType string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(geometryType), "esriGeometry"))
}

// WKT renders g for the layer's geometry type. Multi-part shapes keep only the
// first path or ring. ok is false for unsupported types and empty shapes.
func (g *Geometry) WKT(geometryType string) (string, bool) {
	if g == nil {
		return "", false
	}
	switch Kind(geometryType) {
	case "polyline":
		if len(g.Paths) == 0 || len(g.Paths[0]) == 0 {
			return "", false
		}
		return "LINESTRING(" + coordinates(g.Paths[0]) + ")", true
	case "point":
		if g.X == nil || g.Y == nil {
			return "", false
		}
		return "POINT(" + formatFloat(*g.X) + " " + formatFloat(*g.Y) + ")", true
	case "polygon":
		if len(g.Rings) == 0 || len(g.Rings[0]) == 0 {
			return "", false
		}
		return "POLYGON((" + coordinates(g.Rings[0]) + "))", true
	default:
		return "", false
	}
}

// GeoJSON returns the GeoJSON geometry object for the same shape WKT renders.
func (g *Geometry) GeoJSON(geometryType string) (map[string]any, bool) {
	if g == nil {
		return nil, false
	}
	switch Kind(geometryType) {
	case "polyline":
		if len(g.Paths) == 0 || len(g.Paths[0]) == 0 {
			return nil, false
		}
		return map[string]any{"type": "LineString", "coordinates": positions(g.Paths[0])}, true
	case "point":
		if g.X == nil || g.Y == nil {
			return nil, false
		}
		return map[string]any{"type": "Point", "coordinates": []float64{*g.X, *g.Y}}, true
	case "polygon":
		if len(g.Rings) == 0 || len(g.Rings[0]) == 0 {
			return nil, false
		}
		return map[string]any{"type": "Polygon", "coordinates": [][][]float64{positions(g.Rings[0])}}, true
	default:
		return nil, false
	}
}

func positions(points [][]float64) [][]float64 {
	out := make([][]float64, 0, len(points))
	for _, point := range points {
		if len(point) >= 2 {
			out = append(out, []float64{point[0], point[1]})
		}
	}
	return out
}

func coordinates(points [][]float64) string {
	parts := make([]string, 0, len(points))
	for _, point := range points {
		if len(point) < 2 {
			continue
		}
		parts = append(parts, formatFloat(point[0])+" "+formatFloat(point[1]))
	}
	return strings.Join(parts, ", ")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Package ingest copies remote feature layers into their registered tables.
package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/webgis-ai/webgis/internal/arcgis"
	"github.com/webgis-ai/webgis/internal/dataset"
)

// epochMillisFloor separates epoch-millisecond dates from plain integers.
const epochMillisFloor = 1_000_000_000

// Record is one feature ready to upsert.
type Record struct {
	ObjectID any
	// WKT is the geometry in EPSG:4326.
	WKT string
	// Attributes have lower-cased keys and exclude objectid and shape.
	Attributes map[string]any
	// Doc is the GeoJSON Feature written to the feature cache.
	Doc json.RawMessage
}

// ConvertFeature maps a remote feature onto a Record. ok is false when the
// feature has no objectid or an unsupported or empty geometry.
func ConvertFeature(feature arcgis.Feature, geometryType string) (Record, bool) {
	wkt, ok := feature.Geometry.WKT(geometryType)
	if !ok {
		return Record{}, false
	}

	var objectID any
	attributes := make(map[string]any, len(feature.Attributes))
	for name, value := range feature.Attributes {
		lname := strings.ToLower(name)
		switch lname {
		case "objectid":
			objectID = normalizeValue(value)
			continue
		case "shape":
			continue
		}
		value = normalizeValue(value)
		if strings.HasSuffix(lname, "date") {
			value = convertEpochMillis(value)
		}
		attributes[lname] = value
	}
	if objectID == nil {
		return Record{}, false
	}

	properties := make(map[string]any, len(attributes)+1)
	for name, value := range attributes {
		properties[name] = value
	}
	properties["objectid"] = objectID
	geometry, _ := feature.Geometry.GeoJSON(geometryType)
	doc, err := json.Marshal(map[string]any{
		"type":       "Feature",
		"geometry":   geometry,
		"properties": properties,
	})
	if err != nil {
		return Record{}, false
	}
	return Record{ObjectID: objectID, WKT: wkt, Attributes: attributes, Doc: doc}, true
}

// CacheDoc is the record as stored in the feature cache.
func (r Record) CacheDoc() dataset.FeatureDoc {
	return dataset.FeatureDoc{ObjectID: fmt.Sprint(r.ObjectID), Doc: r.Doc}
}

func normalizeValue(value any) any {
	number, ok := value.(json.Number)
	if !ok {
		return value
	}
	if i, err := strconv.ParseInt(number.String(), 10, 64); err == nil {
		return i
	}
	if f, err := number.Float64(); err == nil {
		return f
	}
	return number.String()
}

func convertEpochMillis(value any) any {
	millis, ok := value.(int64)
	if !ok || millis <= epochMillisFloor {
		return value
	}
	return time.UnixMilli(millis).UTC()
}

package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/webgis-ai/webgis/internal/arcgis"
	"github.com/webgis-ai/webgis/internal/llm"
	"github.com/webgis-ai/webgis/internal/nl2sql"
)

const schemaSystemPrompt = "You are a database expert who creates PostgreSQL schemas."

const schemaTemplate = `CREATE TABLE IF NOT EXISTS water_mains (
    id SERIAL PRIMARY KEY,
    objectid INTEGER UNIQUE NOT NULL,
    watmain_id INTEGER,
    status VARCHAR(50) DEFAULT 'UNKNOWN',
    pressure_zone VARCHAR(50) DEFAULT 'UNKNOWN',
    map_label VARCHAR(255),
    pipe_size NUMERIC DEFAULT 0,
    material VARCHAR(100) DEFAULT 'UNKNOWN',
    lined_date TIMESTAMP,
    installation_date TIMESTAMP,
    shape_length NUMERIC,
    geometry GEOMETRY(LineString, 4326),
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);`

// SchemaGenerator asks the language model for a CREATE TABLE statement that
// mirrors a remote layer's fields.
type SchemaGenerator struct {
	Client    llm.Client
	Model     string
	MaxTokens int
}

func (g *SchemaGenerator) Generate(ctx context.Context, metadata arcgis.Metadata) (string, error) {
	if g == nil || g.Client == nil {
		return "", fmt.Errorf("schema generation: no language model configured")
	}
	prompt, err := schemaPrompt(metadata)
	if err != nil {
		return "", err
	}
	raw, err := g.Client.Complete(ctx, llm.CompletionRequest{
		Model:     g.Model,
		System:    schemaSystemPrompt,
		User:      prompt,
		MaxTokens: g.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("schema generation: %w", err)
	}
	ddl := nl2sql.StripFences(raw)
	if ddl == "" {
		return "", fmt.Errorf("schema generation: model returned an empty statement")
	}
	return ddl, nil
}

func schemaPrompt(metadata arcgis.Metadata) (string, error) {
	fields, err := json.MarshalIndent(metadata.Fields, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode layer fields: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "I have a template schema for a water mains dataset:\n%s\n\n", schemaTemplate)
	fmt.Fprintf(&b, "I need to create a similar schema for a new dataset with these fields from an ArcGIS REST server:\n%s\n\n", fields)
	fmt.Fprintf(&b, "The geometry type is: %s\n\n", metadata.GeometryType)
	b.WriteString(`Please generate a PostgreSQL schema that:
1. Follows the same pattern as the water_mains table.
2. Includes a column for every field from the REST server, using the field names exactly as given, lower-cased (e.g. objectid, to_street).
3. Uses appropriate PostgreSQL data types (INTEGER, BIGINT, NUMERIC, DOUBLE PRECISION, VARCHAR(n), TEXT, BOOLEAN, DATE, TIMESTAMP).
4. Includes the same metadata columns (id, created_at, updated_at).
5. Stores the shape in a column named geometry: GEOMETRY(LineString, 4326) for polyline, GEOMETRY(Point, 4326) for point, GEOMETRY(Polygon, 4326) for polygon. Never use MultiLineString or Polyline.
6. Is exactly one CREATE TABLE IF NOT EXISTS statement and nothing else: no indexes, no comments.

Never produce code fences, such as triple backticks.
Return ONLY the SQL statement, no explanations.`)
	return b.String(), nil
}

// notificationMessage is stored as a system message in the registering
// session so the conversation records the new table.
func notificationMessage(reg Registration) string {
	return fmt.Sprintf(`A new dataset has been added: %q (table: %s)

Below is the schema for this dataset:
%s

Please consider this dataset when generating SQL queries. You can:
- Join with other tables on spatial relationships using ST_Intersects
- Include this dataset in analysis when relevant to the user's question
- Reference this table as %q in your SQL queries`, reg.Name, reg.TableName, reg.Schema.SQL, reg.TableName)
}

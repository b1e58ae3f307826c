package nl2sql

import (
	"context"
	"log/slog"
	"strings"

	"github.com/webgis-ai/webgis/internal/observability"
)

// BaseTable is the built-in layer every deployment carries.
const BaseTable = "water_mains"

// BaseSchema describes BaseTable for the model. Its identifier column is
// object_id; registered datasets use objectid.
const BaseSchema = `Table: water_mains
city VARCHAR(100) NOT NULL,               -- City name
dataset_type VARCHAR(100) NOT NULL,       -- Type of dataset
object_id INTEGER UNIQUE NOT NULL,        -- Unique object ID
watmain_id INTEGER,                       -- Water main ID
status VARCHAR(50) DEFAULT 'UNKNOWN',     -- Status (e.g., ACTIVE, ABANDONED)
pressure_zone VARCHAR(50) DEFAULT 'UNKNOWN', -- Pressure zone
roadsegment_id INTEGER,                   -- Related road segment ID
map_label VARCHAR(255),                   -- Descriptive label
category VARCHAR(50) DEFAULT 'TREATED',   -- Treated/Untreated category
pipe_size NUMERIC DEFAULT 0,              -- Pipe size in mm
material VARCHAR(100) DEFAULT 'UNKNOWN',  -- Pipe material
lined VARCHAR(20) DEFAULT 'NO',           -- Lined or not
lined_date TIMESTAMP,                     -- Date lining was done
lined_material VARCHAR(50) DEFAULT 'NONE', -- Material for lining
installation_date TIMESTAMP,              -- Installation date
acquisition VARCHAR(50),                  -- Acquisition type
consultant VARCHAR(250),                  -- Consultant name
ownership VARCHAR(100) DEFAULT 'UNKNOWN', -- Ownership details
bridge_main VARCHAR(1) DEFAULT 'N',       -- Bridge main indicator
bridge_details VARCHAR(250),              -- Details about the bridge
criticality INTEGER DEFAULT -1,           -- Criticality level
rel_cleaning_area VARCHAR(10) DEFAULT '0', -- Cleaning area
rel_cleaning_subarea VARCHAR(10) DEFAULT '0', -- Cleaning subarea
undersized VARCHAR(1) DEFAULT 'N',        -- Undersized indicator
shallow_main VARCHAR(1) DEFAULT 'N',      -- Shallow pipe indicator
condition_score NUMERIC DEFAULT -1,       -- Condition score
oversized VARCHAR(1) DEFAULT 'N',         -- Oversized pipe indicator
cleaned VARCHAR(1) DEFAULT 'N',           -- Cleaned or not
shape_length NUMERIC,                     -- Length of the geometry
geometry GEOMETRY(LineString, 4326),      -- Spatial geometry in WGS84
created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP, -- Creation timestamp
updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP  -- Update timestamp`

// TableSchema is a registered dataset as seen by the generator.
type TableSchema struct {
	Table       string
	Name        string
	Description string
	DDL         string
}

type SchemaSource interface {
	TableSchemas(ctx context.Context) ([]TableSchema, error)
}

type SchemaSourceFunc func(ctx context.Context) ([]TableSchema, error)

func (f SchemaSourceFunc) TableSchemas(ctx context.Context) ([]TableSchema, error) {
	return f(ctx)
}

// SchemaDescriptor assembles the schema text for one request from the base
// table plus every registered dataset.
type SchemaDescriptor struct {
	Source SchemaSource
	Logger *slog.Logger
}

// Describe never fails: when the registry cannot be read the base schema is
// returned alone.
func (d *SchemaDescriptor) Describe(ctx context.Context) string {
	if d == nil || d.Source == nil {
		return BaseSchema
	}
	tables, err := d.Source.TableSchemas(ctx)
	if err != nil {
		if d.Logger != nil {
			d.Logger.WarnContext(ctx, "dataset registry unavailable for schema description",
				slog.String("trace_id", observability.TraceIDFromContext(ctx)),
				slog.String("error", err.Error()),
			)
		}
		return BaseSchema
	}
	return DescribeTables(tables)
}

// DescribeTables renders BaseSchema followed by the given registered tables.
func DescribeTables(tables []TableSchema) string {
	var b strings.Builder
	b.WriteString(BaseSchema)
	for _, table := range tables {
		b.WriteString("\n\nTable: ")
		b.WriteString(table.Table)
		if table.Name != "" {
			b.WriteString(" (dataset: ")
			b.WriteString(table.Name)
			b.WriteString(")")
		}
		b.WriteString("\n")
		if desc := strings.TrimSpace(table.Description); desc != "" {
			b.WriteString("-- ")
			b.WriteString(strings.ReplaceAll(desc, "\n", " "))
			b.WriteString("\n")
		}
		b.WriteString("-- identifier column: objectid\n")
		b.WriteString(strings.TrimSpace(table.DDL))
	}
	return b.String()
}

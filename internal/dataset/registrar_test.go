package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/webgis-ai/webgis/internal/arcgis"
	"github.com/webgis-ai/webgis/internal/chat"
	"github.com/webgis-ai/webgis/internal/chat/memory"
	"github.com/webgis-ai/webgis/internal/llm"
	"github.com/webgis-ai/webgis/internal/sqlsafe"
)

const roadsDDL = "```sql\nCREATE TABLE IF NOT EXISTS road_data (\n  id SERIAL PRIMARY KEY,\n  objectid INTEGER UNIQUE NOT NULL,\n  street_name VARCHAR(120),\n  geometry GEOMETRY(LineString, 4326)\n);\n```"

type fetcherFunc func(ctx context.Context, baseURL string) (arcgis.Metadata, error)

func (f fetcherFunc) FetchMetadata(ctx context.Context, baseURL string) (arcgis.Metadata, error) {
	return f(ctx, baseURL)
}

type fakeRepo struct {
	created []CreateInput
	err     error
}

func (r *fakeRepo) Create(_ context.Context, in CreateInput) (Registration, error) {
	if r.err != nil {
		return Registration{}, r.err
	}
	r.created = append(r.created, in)
	reg := in.Registration
	reg.ID = int64(len(r.created))
	return reg, nil
}

func (r *fakeRepo) List(context.Context) ([]Registration, error) { return nil, nil }
func (r *fakeRepo) GetByTable(context.Context, string) (Registration, error) {
	return Registration{}, ErrNotFound
}
func (r *fakeRepo) CountRows(context.Context, string) (int64, error) { return 0, nil }
func (r *fakeRepo) ListFeatures(context.Context, string) ([]FeatureDoc, error) {
	return nil, nil
}

type fakeStarter struct {
	started []Registration
}

func (s *fakeStarter) Start(_ context.Context, reg Registration) {
	s.started = append(s.started, reg)
}

func roadsMetadata() arcgis.Metadata {
	return arcgis.Metadata{
		Name:         "Roads",
		GeometryType: "esriGeometryPolyline",
		DisplayField: "street_name",
		Fields: []arcgis.Field{
			{Name: "OBJECTID", Type: "esriFieldTypeOID"},
			{Name: "street_name", Type: "esriFieldTypeString", Length: 120},
		},
		Raw: json.RawMessage(`{"name":"Roads"}`),
	}
}

func newTestRegistrar(ddl string) (*Registrar, *fakeRepo, *fakeStarter, *memory.Store, *[]llm.CompletionRequest) {
	var prompts []llm.CompletionRequest
	repo := &fakeRepo{}
	starter := &fakeStarter{}
	sessions := memory.NewStore()
	registrar := &Registrar{
		Metadata: fetcherFunc(func(ctx context.Context, baseURL string) (arcgis.Metadata, error) {
			return roadsMetadata(), nil
		}),
		Schema: &SchemaGenerator{Client: llm.ClientFunc(func(ctx context.Context, req llm.CompletionRequest) (string, error) {
			prompts = append(prompts, req)
			return ddl, nil
		})},
		Repo:      repo,
		Sessions:  sessions,
		Ingestion: starter,
	}
	return registrar, repo, starter, sessions, &prompts
}

func TestRegisterCreatesTableNotifiesAndStartsIngestion(t *testing.T) {
	ctx := context.Background()
	registrar, repo, starter, sessions, prompts := newTestRegistrar(roadsDDL)
	session, _ := sessions.CreateSession(ctx, chat.CreateSessionInput{})

	result, err := registrar.Register(ctx, RegisterInput{
		Name:      "Roads",
		BaseURL:   "https://gis.example.com/arcgis/rest/services/Roads/FeatureServer/0/",
		TableName: "roads",
		SessionID: session.ID,
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if result.SessionID != session.ID {
		t.Fatalf("SessionID = %q, want %q", result.SessionID, session.ID)
	}
	reg := result.Registration
	if reg.ID != 1 || reg.TableName != "roads" || reg.MaxRecordCount != DefaultMaxRecordCount {
		t.Fatalf("registration = %+v", reg)
	}
	if strings.HasSuffix(reg.BaseURL, "/") {
		t.Fatalf("BaseURL = %q, want trailing slash trimmed", reg.BaseURL)
	}
	if !strings.HasPrefix(reg.Schema.SQL, "CREATE TABLE IF NOT EXISTS roads (") {
		t.Fatalf("schema = %q", reg.Schema.SQL)
	}
	if repo.created[0].DDL != reg.Schema.SQL {
		t.Fatalf("DDL = %q", repo.created[0].DDL)
	}

	prompt := (*prompts)[0].User
	for _, want := range []string{"water_mains", "street_name", "esriGeometryPolyline", "GEOMETRY(LineString, 4326)"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("schema prompt missing %q:\n%s", want, prompt)
		}
	}

	messages, _ := sessions.ListMessages(ctx, session.ID, 10)
	if len(messages) != 1 || messages[0].Type != chat.MessageSystem || !strings.Contains(messages[0].Content, "(table: roads)") {
		t.Fatalf("messages = %+v", messages)
	}
	if len(starter.started) != 1 || starter.started[0].TableName != "roads" {
		t.Fatalf("started = %+v", starter.started)
	}
}

func TestRegisterCreatesSessionWhenMissingOrUnknown(t *testing.T) {
	for _, sessionID := range []string{"", "does-not-exist"} {
		registrar, _, _, sessions, _ := newTestRegistrar(roadsDDL)
		result, err := registrar.Register(context.Background(), RegisterInput{
			Name: "Roads", BaseURL: "https://gis.example.com/layer/0", TableName: "roads",
			SessionID: sessionID, UserID: "alice",
		})
		if err != nil {
			t.Fatalf("Register(session=%q) error = %v", sessionID, err)
		}
		if result.SessionID == "" || result.SessionID == sessionID {
			t.Fatalf("SessionID = %q", result.SessionID)
		}
		session, err := sessions.GetSession(context.Background(), result.SessionID)
		if err != nil || session.UserID != "alice" {
			t.Fatalf("GetSession() = %+v, %v", session, err)
		}
	}
}

func TestRegisterRejectsInvalidInputBeforeRemoteCalls(t *testing.T) {
	registrar, repo, _, _, prompts := newTestRegistrar(roadsDDL)
	registrar.Metadata = fetcherFunc(func(ctx context.Context, baseURL string) (arcgis.Metadata, error) {
		t.Fatal("metadata should not be fetched")
		return arcgis.Metadata{}, nil
	})

	cases := []struct {
		in   RegisterInput
		want error
	}{
		{RegisterInput{BaseURL: "https://x", TableName: "roads"}, ErrInvalidInput},
		{RegisterInput{Name: "Roads", TableName: "roads"}, ErrInvalidInput},
		{RegisterInput{Name: "Roads", BaseURL: "https://x", TableName: "Bad-Name"}, ErrInvalidInput},
		{RegisterInput{Name: "Roads", BaseURL: "https://x", TableName: "chat_sessions"}, ErrTableConflict},
	}
	for _, tc := range cases {
		if _, err := registrar.Register(context.Background(), tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("Register(%+v) error = %v, want %v", tc.in, err, tc.want)
		}
	}
	if len(repo.created) != 0 || len(*prompts) != 0 {
		t.Fatal("nothing should be persisted or generated")
	}
}

func TestRegisterMapsInvalidMetadata(t *testing.T) {
	registrar, repo, starter, _, _ := newTestRegistrar(roadsDDL)
	registrar.Metadata = fetcherFunc(func(ctx context.Context, baseURL string) (arcgis.Metadata, error) {
		return arcgis.Metadata{}, fmt.Errorf("%w: missing \"fields\"", arcgis.ErrInvalidMetadata)
	})

	_, err := registrar.Register(context.Background(), RegisterInput{Name: "Roads", BaseURL: "https://x/0", TableName: "roads"})
	if !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("Register() error = %v, want ErrInvalidMetadata", err)
	}
	if len(repo.created) != 0 || len(starter.started) != 0 {
		t.Fatal("nothing should be persisted or started")
	}
}

func TestRegisterRejectsUnsafeGeneratedSchema(t *testing.T) {
	unsafe := "CREATE TABLE IF NOT EXISTS roads (objectid INTEGER); DROP TABLE chat_messages;"
	registrar, repo, _, _, _ := newTestRegistrar(unsafe)

	_, err := registrar.Register(context.Background(), RegisterInput{Name: "Roads", BaseURL: "https://x/0", TableName: "roads"})
	if !errors.Is(err, sqlsafe.ErrUnsafeDDL) {
		t.Fatalf("Register() error = %v, want ErrUnsafeDDL", err)
	}
	if len(repo.created) != 0 {
		t.Fatal("unsafe schema must not reach the repository")
	}
}

func TestRegisterPropagatesRepositoryFailure(t *testing.T) {
	registrar, repo, starter, sessions, _ := newTestRegistrar(roadsDDL)
	repo.err = ErrTableConflict

	_, err := registrar.Register(context.Background(), RegisterInput{Name: "Roads", BaseURL: "https://x/0", TableName: "roads"})
	if !errors.Is(err, ErrTableConflict) {
		t.Fatalf("Register() error = %v, want ErrTableConflict", err)
	}
	if len(starter.started) != 0 {
		t.Fatal("ingestion must not start after a failed registration")
	}
	all, _ := sessions.ListAllMessages(context.Background(), 0)
	if len(all) != 0 {
		t.Fatalf("no notification expected, got %+v", all)
	}
}

func TestRegisterSchemaGenerationFailure(t *testing.T) {
	registrar, repo, _, _, _ := newTestRegistrar("")
	registrar.Schema.Client = llm.ClientFunc(func(ctx context.Context, req llm.CompletionRequest) (string, error) {
		return "", llm.ErrRateLimited
	})

	_, err := registrar.Register(context.Background(), RegisterInput{Name: "Roads", BaseURL: "https://x/0", TableName: "roads"})
	if !errors.Is(err, llm.ErrRateLimited) {
		t.Fatalf("Register() error = %v, want ErrRateLimited", err)
	}
	if len(repo.created) != 0 {
		t.Fatal("nothing should be persisted")
	}
}

type countingSessions struct {
	chat.Store
	created int
}

func (s *countingSessions) CreateSession(ctx context.Context, in chat.CreateSessionInput) (chat.Session, error) {
	s.created++
	return s.Store.CreateSession(ctx, in)
}

func TestRegisterFailureLeavesNoSession(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Registrar, *fakeRepo)
	}{
		{
			name: "metadata",
			setup: func(r *Registrar, _ *fakeRepo) {
				r.Metadata = fetcherFunc(func(context.Context, string) (arcgis.Metadata, error) {
					return arcgis.Metadata{}, errors.New("connection refused")
				})
			},
		},
		{
			name:  "repository",
			setup: func(_ *Registrar, repo *fakeRepo) { repo.err = ErrTableConflict },
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			registrar, repo, _, sessions, _ := newTestRegistrar(roadsDDL)
			counting := &countingSessions{Store: sessions}
			registrar.Sessions = counting
			tc.setup(registrar, repo)

			if _, err := registrar.Register(context.Background(), RegisterInput{Name: "Roads", BaseURL: "https://x/0", TableName: "roads"}); err == nil {
				t.Fatal("Register() error = nil")
			}
			if counting.created != 0 {
				t.Fatalf("sessions created = %d, want 0", counting.created)
			}
		})
	}
}

func TestRegisterExecutesCommentFreeStatement(t *testing.T) {
	ddl := "CREATE TABLE IF NOT EXISTS roads (\n  objectid INTEGER, -- id\n  note TEXT DEFAULT '--'\n); /* done */"
	registrar, repo, _, _, _ := newTestRegistrar(ddl)

	if _, err := registrar.Register(context.Background(), RegisterInput{Name: "Roads", BaseURL: "https://x/0", TableName: "roads"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	got := repo.created[0].DDL
	if strings.Contains(got, "-- id") || strings.Contains(got, "done") || strings.Contains(got, ";") {
		t.Fatalf("DDL = %q", got)
	}
	if !strings.Contains(got, "DEFAULT '--'") {
		t.Fatalf("DDL lost its string literal: %q", got)
	}
}

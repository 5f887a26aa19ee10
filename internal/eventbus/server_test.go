package eventbus

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"awc/internal/db"
	"awc/kanban"
)

type fakeEBStore struct {
	projects []kanban.Project
}

func (s *fakeEBStore) CreateProject(p *kanban.Project) error {
	s.projects = append(s.projects, *p)
	return nil
}
func (s *fakeEBStore) GetProject(id string) (*kanban.Project, bool, error) {
	for _, p := range s.projects {
		if p.ID == id {
			return &p, true, nil
		}
	}
	return nil, false, nil
}
func (s *fakeEBStore) ListProjects() ([]kanban.Project, error) { return s.projects, nil }
func (s *fakeEBStore) GetCard(id string) (*kanban.KanbanCard, bool, error) { return nil, false, nil }
func (s *fakeEBStore) GetDocumentsByProject(projectID string) ([]kanban.ProjectDocument, error) {
	return nil, nil
}
func (s *fakeEBStore) UpsertDocument(doc *kanban.ProjectDocument) error { return nil }
func (s *fakeEBStore) GetDecisionsByProject(projectID string) ([]kanban.Decision, error) {
	return nil, nil
}
func (s *fakeEBStore) CreateDecision(d *kanban.Decision) error { return nil }
func (s *fakeEBStore) ReviseDecision(id, reasoning, tradeoffs string, revisedAt time.Time) error {
	return nil
}
func (s *fakeEBStore) ActiveSteeringCorrections(projectID string) ([]kanban.SteeringCorrection, error) {
	return nil, nil
}
func (s *fakeEBStore) AddSteeringCorrection(c *kanban.SteeringCorrection) error { return nil }
func (s *fakeEBStore) CreateConversation(c *kanban.Conversation) error          { return nil }
func (s *fakeEBStore) AddMessage(m *kanban.Message) error                      { return nil }
func (s *fakeEBStore) GetMessagesByConversation(conversationID string) ([]kanban.Message, error) {
	return nil, nil
}
func (s *fakeEBStore) UsageSummary(projectID string) (*kanban.UsageSummary, error) {
	return &kanban.UsageSummary{ProjectID: projectID}, nil
}
func (s *fakeEBStore) Search(query string, limit int) ([]db.SearchResult, error) { return nil, nil }
func (s *fakeEBStore) GetRecentAuditEntries(limit int) ([]kanban.AuditEntry, error) {
	return nil, nil
}

type fakeEBBoard struct{}

func (b *fakeEBBoard) GetBoard(projectID string) ([]kanban.KanbanCard, error) { return nil, nil }
func (b *fakeEBBoard) CreateCard(c *kanban.KanbanCard) error                  { return nil }
func (b *fakeEBBoard) UpdateCard(c *kanban.KanbanCard, ifUpdatedAt *time.Time) error {
	return nil
}
func (b *fakeEBBoard) MoveCard(cardID string, to kanban.Column) error { return nil }
func (b *fakeEBBoard) DeleteCard(cardID string) error                 { return nil }
func (b *fakeEBBoard) SkipToBack(cardID string) error                 { return nil }
func (b *fakeEBBoard) AssignAgent(cardID, agent string) error         { return nil }

func newTestServer(token string) *Server {
	return NewServer(Deps{
		Store: &fakeEBStore{},
		Board: &fakeEBBoard{},
		Hub:   NewHub(nil, nil),
		Token: token,
	})
}

func TestHealthRequiresBearerTokenWhenConfigured(t *testing.T) {
	srv := newTestServer("secret")
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestHealthAcceptsBearerHeader(t *testing.T) {
	srv := newTestServer("secret")
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHealthAllowsAllWhenNoTokenConfigured(t *testing.T) {
	srv := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with auth disabled, got %d", rec.Code)
	}
}

func TestCreateProjectValidatesRequiredName(t *testing.T) {
	srv := newTestServer("")
	body, _ := json.Marshal(map[string]interface{}{"description": "no name"})
	req := httptest.NewRequest(http.MethodPost, "/api/projects", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing name, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateProjectRoundTrip(t *testing.T) {
	srv := newTestServer("")
	body, _ := json.Marshal(map[string]interface{}{"name": "demo project"})
	req := httptest.NewRequest(http.MethodPost, "/api/projects", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !env.OK {
		t.Fatalf("expected ok envelope, got %+v", env)
	}
}

func TestMoveCardRejectsUnknownColumn(t *testing.T) {
	srv := newTestServer("")
	body, _ := json.Marshal(map[string]interface{}{"column": "parked"})
	req := httptest.NewRequest(http.MethodPost, "/api/cards/c1/move", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid column enum, got %d: %s", rec.Code, rec.Body.String())
	}
}

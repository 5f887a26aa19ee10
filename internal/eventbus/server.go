package eventbus

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"awc/awcerr"
	"awc/internal/db"
	"awc/kanban"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Store is the persistence surface the REST layer reads and writes. It is
// satisfied by *internal/db.Store; kept narrow and local the way
// heartbeat/orchestrator define their dependency interfaces, rather than
// depending on *db.Store concretely.
type Store interface {
	CreateProject(p *kanban.Project) error
	GetProject(id string) (*kanban.Project, bool, error)
	ListProjects() ([]kanban.Project, error)

	GetCard(id string) (*kanban.KanbanCard, bool, error)

	GetDocumentsByProject(projectID string) ([]kanban.ProjectDocument, error)
	UpsertDocument(doc *kanban.ProjectDocument) error

	GetDecisionsByProject(projectID string) ([]kanban.Decision, error)
	CreateDecision(d *kanban.Decision) error
	ReviseDecision(id, reasoning, tradeoffs string, revisedAt time.Time) error

	ActiveSteeringCorrections(projectID string) ([]kanban.SteeringCorrection, error)
	AddSteeringCorrection(c *kanban.SteeringCorrection) error

	CreateConversation(c *kanban.Conversation) error
	AddMessage(m *kanban.Message) error
	GetMessagesByConversation(conversationID string) ([]kanban.Message, error)

	UsageSummary(projectID string) (*kanban.UsageSummary, error)
	Search(query string, limit int) ([]db.SearchResult, error)
	GetRecentAuditEntries(limit int) ([]kanban.AuditEntry, error)
}

// Board is the card-mutation surface; satisfied by *kanban.Board.
type Board interface {
	GetBoard(projectID string) ([]kanban.KanbanCard, error)
	CreateCard(c *kanban.KanbanCard) error
	UpdateCard(c *kanban.KanbanCard, ifUpdatedAt *time.Time) error
	MoveCard(cardID string, to kanban.Column) error
	DeleteCard(cardID string) error
	SkipToBack(cardID string) error
	AssignAgent(cardID, agent string) error
}

// Server is the C6 Event Bus & API: one authenticated HTTP endpoint serving
// REST CRUD plus a duplex websocket event stream. Route table, logging
// middleware, and the sync.Once-guarded graceful shutdown are grounded on
// madhatter5501-Factory's internal/web/server.go (Start/Shutdown/withLogging);
// the Hub/Client duplex layer is grounded on ODSapper-CLIAIMONITOR's hub.go.
type Server struct {
	store  Store
	board  Board
	hub    *Hub
	router Router
	token  string
	logger *slog.Logger

	upgrader websocket.Upgrader
	server   *http.Server
	shutOnce sync.Once
}

// Deps collects Server's constructor dependencies.
type Deps struct {
	Store  Store
	Board  Board
	Hub    *Hub
	Router Router // optional: workspace-action routing for chat frames
	Token  string // bearer secret; empty disables auth (local/dev only)
	Logger *slog.Logger
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  d.Store,
		board:  d.Board,
		hub:    d.Hub,
		router: d.Router,
		token:  d.Token,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/projects", s.listProjects).Methods(http.MethodGet)
	api.HandleFunc("/projects", s.createProject).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}", s.getProject).Methods(http.MethodGet)

	api.HandleFunc("/projects/{id}/board", s.getBoard).Methods(http.MethodGet)
	api.HandleFunc("/cards", s.createCard).Methods(http.MethodPost)
	api.HandleFunc("/cards/{id}", s.getCard).Methods(http.MethodGet)
	api.HandleFunc("/cards/{id}", s.updateCard).Methods(http.MethodPatch)
	api.HandleFunc("/cards/{id}", s.deleteCard).Methods(http.MethodDelete)
	api.HandleFunc("/cards/{id}/move", s.moveCard).Methods(http.MethodPost)
	api.HandleFunc("/cards/{id}/skip", s.skipCard).Methods(http.MethodPost)
	api.HandleFunc("/cards/{id}/assign", s.assignCard).Methods(http.MethodPost)

	api.HandleFunc("/projects/{id}/documents", s.listDocuments).Methods(http.MethodGet)
	api.HandleFunc("/documents", s.upsertDocument).Methods(http.MethodPost)

	api.HandleFunc("/projects/{id}/decisions", s.listDecisions).Methods(http.MethodGet)
	api.HandleFunc("/decisions", s.createDecision).Methods(http.MethodPost)
	api.HandleFunc("/decisions/{id}/revise", s.reviseDecision).Methods(http.MethodPost)

	api.HandleFunc("/projects/{id}/corrections", s.listCorrections).Methods(http.MethodGet)
	api.HandleFunc("/corrections", s.createCorrection).Methods(http.MethodPost)

	api.HandleFunc("/conversations", s.createConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/messages", s.listMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", s.addMessage).Methods(http.MethodPost)

	api.HandleFunc("/projects/{id}/usage", s.getUsage).Methods(http.MethodGet)
	api.HandleFunc("/search", s.search).Methods(http.MethodGet)
	api.HandleFunc("/audit", s.getAudit).Methods(http.MethodGet)
	api.HandleFunc("/health", s.health).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.serveWS)

	var handler http.Handler = r
	handler = s.withAuth(handler)
	handler = s.withLogging(handler)
	return handler
}

// Start runs the HTTP server until it errors or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("event bus listening", "addr", addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server within ctx's deadline (the process wiring
// layer gives this a 5s graceful budget). The hub is not stopped here; it
// stops when the channel passed to Hub.Run is closed.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutOnce.Do(func() {
		if s.server != nil {
			err = s.server.Shutdown(ctx)
		}
	})
	return err
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// withAuth enforces the bearer token on every route except /ws, which also
// accepts the token via ?token= (browsers can't set headers on the upgrade
// request) since it still demands one or the other.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		presented := bearerFrom(r)
		if presented == "" && r.URL.Path == "/ws" {
			presented = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
			writeErr(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerFrom(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// writeAPIErr maps an awcerr.Error to its HTTP status, attaching
// currentUpdatedAt for Conflict errors per spec.md §4.6.
func writeAPIErr(w http.ResponseWriter, err error) {
	var ae *awcerr.Error
	if errors.As(err, &ae) {
		if ae.Kind == awcerr.Conflict && ae.CurrentUpdatedAt != nil {
			writeOK(w, ae.Kind.HTTPStatus(), map[string]interface{}{
				"error":            ae.Error(),
				"currentUpdatedAt": ae.CurrentUpdatedAt,
			})
			return
		}
		writeErr(w, ae.Kind.HTTPStatus(), ae.Error())
		return
	}
	writeErr(w, http.StatusInternalServerError, err.Error())
}

func pathID(r *http.Request) string { return mux.Vars(r)["id"] }

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

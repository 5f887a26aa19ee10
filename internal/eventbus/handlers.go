package eventbus

import (
	"encoding/json"
	"net/http"
	"time"

	"awc/kanban"

	"github.com/google/uuid"
)

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects()
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, projects)
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name                string `json:"name"`
		Description         string `json:"description"`
		Color               string `json:"color"`
		AgentTimeoutMinutes int    `json:"agentTimeoutMinutes"`
		MaxConcurrentAgents int    `json:"maxConcurrentAgents"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if msg := validateFields(map[string]interface{}{"name": body.Name}, []field{{Name: "name", Required: true}}); msg != "" {
		writeErr(w, http.StatusBadRequest, msg)
		return
	}
	now := time.Now()
	p := &kanban.Project{
		ID: uuid.NewString(), Name: body.Name, Description: body.Description,
		Status: kanban.ProjectActive, Color: body.Color,
		AgentTimeoutMinutes: body.AgentTimeoutMinutes, MaxConcurrentAgents: body.MaxConcurrentAgents,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.store.CreateProject(p); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeOK(w, http.StatusCreated, p)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, ok, err := s.store.GetProject(pathID(r))
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	if !ok {
		writeErr(w, http.StatusNotFound, "project not found")
		return
	}
	writeOK(w, http.StatusOK, p)
}

func (s *Server) getBoard(w http.ResponseWriter, r *http.Request) {
	cards, err := s.board.GetBoard(pathID(r))
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, cards)
}

func (s *Server) createCard(w http.ResponseWriter, r *http.Request) {
	var c kanban.KanbanCard
	if err := decodeBody(r, &c); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if msg := validateFields(map[string]interface{}{"projectId": c.ProjectID, "title": c.Title},
		[]field{{Name: "projectId", Required: true}, {Name: "title", Required: true}}); msg != "" {
		writeErr(w, http.StatusBadRequest, msg)
		return
	}
	if c.Column == "" {
		c.Column = kanban.ColumnBacklog
	}
	if err := s.board.CreateCard(&c); err != nil {
		writeAPIErr(w, err)
		return
	}
	s.hub.Publish(EventCardStatus, c.ID, map[string]interface{}{"column": c.Column})
	writeOK(w, http.StatusCreated, &c)
}

func (s *Server) getCard(w http.ResponseWriter, r *http.Request) {
	c, ok, err := s.store.GetCard(pathID(r))
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	if !ok {
		writeErr(w, http.StatusNotFound, "card not found")
		return
	}
	writeOK(w, http.StatusOK, c)
}

func (s *Server) updateCard(w http.ResponseWriter, r *http.Request) {
	var body struct {
		kanban.KanbanCard
		IfUpdatedAt *time.Time `json:"ifUpdatedAt"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	body.KanbanCard.ID = pathID(r)
	if err := s.board.UpdateCard(&body.KanbanCard, body.IfUpdatedAt); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, &body.KanbanCard)
}

func (s *Server) deleteCard(w http.ResponseWriter, r *http.Request) {
	if err := s.board.DeleteCard(pathID(r)); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}

func (s *Server) moveCard(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Column string `json:"column"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if msg := validateFields(map[string]interface{}{"column": body.Column}, []field{
		{Name: "column", Required: true, Enum: []string{string(kanban.ColumnBacklog), string(kanban.ColumnInProgress), string(kanban.ColumnDone)}},
	}); msg != "" {
		writeErr(w, http.StatusBadRequest, msg)
		return
	}
	id := pathID(r)
	if err := s.board.MoveCard(id, kanban.Column(body.Column)); err != nil {
		writeAPIErr(w, err)
		return
	}
	s.hub.Publish(EventCardStatus, id, map[string]interface{}{"column": body.Column})
	writeOK(w, http.StatusOK, nil)
}

func (s *Server) skipCard(w http.ResponseWriter, r *http.Request) {
	if err := s.board.SkipToBack(pathID(r)); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}

func (s *Server) assignCard(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Agent string `json:"agent"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if msg := validateFields(map[string]interface{}{"agent": body.Agent}, []field{{Name: "agent", Required: true}}); msg != "" {
		writeErr(w, http.StatusBadRequest, msg)
		return
	}
	id := pathID(r)
	if err := s.board.AssignAgent(id, body.Agent); err != nil {
		writeAPIErr(w, err)
		return
	}
	s.hub.Publish(EventCardAssigned, id, map[string]interface{}{"agent": body.Agent})
	writeOK(w, http.StatusOK, nil)
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.GetDocumentsByProject(pathID(r))
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, docs)
}

func (s *Server) upsertDocument(w http.ResponseWriter, r *http.Request) {
	var doc kanban.ProjectDocument
	if err := decodeBody(r, &doc); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if msg := validateFields(map[string]interface{}{"projectId": doc.ProjectID, "type": string(doc.Type)},
		[]field{{Name: "projectId", Required: true}, {Name: "type", Required: true}}); msg != "" {
		writeErr(w, http.StatusBadRequest, msg)
		return
	}
	now := time.Now()
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.CreatedAt, doc.UpdatedAt = now, now
	if err := s.store.UpsertDocument(&doc); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, &doc)
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := s.store.GetDecisionsByProject(pathID(r))
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, decisions)
}

func (s *Server) createDecision(w http.ResponseWriter, r *http.Request) {
	var d kanban.Decision
	if err := decodeBody(r, &d); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if msg := validateFields(map[string]interface{}{"projectId": d.ProjectID, "title": d.Title},
		[]field{{Name: "projectId", Required: true}, {Name: "title", Required: true}}); msg != "" {
		writeErr(w, http.StatusBadRequest, msg)
		return
	}
	d.ID = uuid.NewString()
	d.CreatedAt = time.Now()
	if err := s.store.CreateDecision(&d); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeOK(w, http.StatusCreated, &d)
}

func (s *Server) reviseDecision(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reasoning string `json:"reasoning"`
		Tradeoffs string `json:"tradeoffs"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.store.ReviseDecision(pathID(r), body.Reasoning, body.Tradeoffs, time.Now()); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}

func (s *Server) listCorrections(w http.ResponseWriter, r *http.Request) {
	corrections, err := s.store.ActiveSteeringCorrections(pathID(r))
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, corrections)
}

func (s *Server) createCorrection(w http.ResponseWriter, r *http.Request) {
	var c kanban.SteeringCorrection
	if err := decodeBody(r, &c); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if msg := validateFields(map[string]interface{}{"projectId": c.ProjectID, "correction": c.Correction, "domain": string(c.Domain)},
		[]field{
			{Name: "projectId", Required: true},
			{Name: "correction", Required: true},
			{Name: "domain", Required: true, Enum: []string{
				string(kanban.SteeringCodePattern), string(kanban.SteeringCommunication),
				string(kanban.SteeringArchitecture), string(kanban.SteeringPreference),
				string(kanban.SteeringStyle), string(kanban.SteeringProcess),
			}},
		}); msg != "" {
		writeErr(w, http.StatusBadRequest, msg)
		return
	}
	c.ID = uuid.NewString()
	c.Source = kanban.SteeringExplicit
	c.Active = true
	c.CreatedAt = time.Now()
	if err := s.store.AddSteeringCorrection(&c); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeOK(w, http.StatusCreated, &c)
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var c kanban.Conversation
	if err := decodeBody(r, &c); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if msg := validateFields(map[string]interface{}{"projectId": c.ProjectID}, []field{{Name: "projectId", Required: true}}); msg != "" {
		writeErr(w, http.StatusBadRequest, msg)
		return
	}
	c.ID = uuid.NewString()
	c.SessionID = uuid.NewString()
	c.Status = "active"
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	if err := s.store.CreateConversation(&c); err != nil {
		writeAPIErr(w, err)
		return
	}
	writeOK(w, http.StatusCreated, &c)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.GetMessagesByConversation(pathID(r))
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, msgs)
}

// addMessage appends a chat message via REST (the websocket "chat" frame is
// the live path; this covers replay/headless clients). Any workspace action
// blocks embedded in an assistant message are routed the same way as a live
// chat frame.
func (s *Server) addMessage(w http.ResponseWriter, r *http.Request) {
	var m kanban.Message
	if err := decodeBody(r, &m); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if msg := validateFields(map[string]interface{}{"role": string(m.Role), "content": m.Content},
		[]field{
			{Name: "role", Required: true, Enum: []string{"user", "assistant", "system"}},
			{Name: "content", Required: true},
		}); msg != "" {
		writeErr(w, http.StatusBadRequest, msg)
		return
	}
	m.ID = uuid.NewString()
	m.ConversationID = pathID(r)
	m.CreatedAt = time.Now()
	if err := s.store.AddMessage(&m); err != nil {
		writeAPIErr(w, err)
		return
	}
	if m.Role == "assistant" {
		routeActions(s.router, m.ProjectID, parseActionBlocks(m.Content))
	}
	writeOK(w, http.StatusCreated, &m)
}

func (s *Server) getUsage(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.UsageSummary(pathID(r))
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, summary)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeErr(w, http.StatusBadRequest, "missing required query param: q")
		return
	}
	results, err := s.store.Search(q, queryInt(r, "limit", 20))
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, results)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.GetRecentAuditEntries(queryInt(r, "limit", 100))
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, entries)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"time":    time.Now(),
	})
}

// serveWS upgrades the connection and wires an onFrame dispatcher that
// handles chat/voice/subscribe frames. Auth already ran in withAuth, which
// for this route also accepts ?token= since a browser can't set a header on
// the upgrade request.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	NewClient(s.hub, conn, s.dispatchFrame)
}

func (s *Server) dispatchFrame(c *Client, frame ClientFrame) {
	switch frame.Type {
	case "chat", "voice":
		var body struct {
			ProjectID string `json:"projectId"`
			Content   string `json:"content"`
		}
		if err := unmarshalPayload(frame.Payload, &body); err != nil {
			return
		}
		routeActions(s.router, body.ProjectID, parseActionBlocks(body.Content))
		s.hub.Publish(EventChatComplete, "", map[string]interface{}{"projectId": body.ProjectID, "echo": body.Content})
	case "subscribe":
		s.hub.Publish(EventPresence, "", map[string]interface{}{"subscribed": true})
	}
}

func unmarshalPayload(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

package eventbus

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startHubServer(t *testing.T, onFrame func(*Client, ClientFrame)) (*Hub, string) {
	t.Helper()
	hub := NewHub(nil, nil)
	done := make(chan struct{})
	go hub.Run(done)
	t.Cleanup(func() { close(done) })

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		NewClient(hub, conn, onFrame)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return hub, wsURL
}

func TestHubPublishReachesConnectedClient(t *testing.T) {
	hub, wsURL := startHubServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// give the server a moment to register the client
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 connected client, got %d", hub.ClientCount())
	}

	hub.Publish(EventCardStatus, "card-1", map[string]interface{}{"column": "done"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt ServerEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Type != EventCardStatus || evt.CardID != "card-1" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestHubAuditSkipsAgentLog(t *testing.T) {
	var recorded []string
	hub := NewHub(nil, func(eventType, cardID, details string) { recorded = append(recorded, eventType) })
	done := make(chan struct{})
	go hub.Run(done)
	defer close(done)

	hub.Publish(EventAgentLog, "c1", nil)
	hub.Publish(EventCardStatus, "c1", nil)

	// Publish enqueues onto an internal channel; give the loop a moment.
	time.Sleep(50 * time.Millisecond)

	if len(recorded) != 1 || recorded[0] != string(EventCardStatus) {
		t.Fatalf("expected only card.status to be audited, got %v", recorded)
	}
}

func TestClientInboundFrameDispatchedToOnFrame(t *testing.T) {
	received := make(chan ClientFrame, 1)
	_, wsURL := startHubServer(t, func(c *Client, frame ClientFrame) {
		received <- frame
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg := ClientFrame{Type: "chat", Payload: json.RawMessage(`{"content":"hello"}`)}
	raw, _ := json.Marshal(msg)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case frame := <-received:
		if frame.Type != "chat" {
			t.Fatalf("unexpected frame type: %s", frame.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched frame")
	}
}

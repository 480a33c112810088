package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alimasry/go-mindmap-sync/auth"
	"github.com/alimasry/go-mindmap-sync/doc"
	"github.com/alimasry/go-mindmap-sync/store"
	"github.com/alimasry/go-mindmap-sync/wire"
)

func setupTestServer(t *testing.T) (*httptest.Server, *Hub, *auth.Verifier, store.DocumentStore) {
	t.Helper()
	st := store.NewMemoryStore()
	hub := NewHub(st)
	go hub.Run()
	verifier := auth.NewVerifier([]byte("test-secret"), time.Hour)
	handler := NewHandler(hub, verifier, st)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, hub, verifier, st
}

func issueToken(t *testing.T, verifier *auth.Verifier, actorID string) string {
	t.Helper()
	token, err := verifier.Issue(auth.Identity{ActorID: actorID, Name: "Test " + actorID})
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func wsConnect(t *testing.T, server *httptest.Server, token, docID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?doc=" + docID
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWsMsg(t *testing.T, conn *websocket.Conn) wire.ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg wire.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

// connectAndEstablish dials and consumes the establishment burst.
func connectAndEstablish(t *testing.T, server *httptest.Server, token, docID string) *websocket.Conn {
	t.Helper()
	conn := wsConnect(t, server, token, docID)
	for _, want := range []string{wire.MsgSessionEstablished, wire.MsgSnapshot, wire.MsgPresence} {
		msg := readWsMsg(t, conn)
		if msg.Type != want {
			t.Fatalf("establish burst: got %q, want %q", msg.Type, want)
		}
	}
	return conn
}

func apiRequest(t *testing.T, server *httptest.Server, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, server.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandler_RejectsUnauthenticatedConnect(t *testing.T) {
	server, _, _, _ := setupTestServer(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?doc=test"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without credential")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestHandler_RejectsBadToken(t *testing.T) {
	server, _, _, _ := setupTestServer(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?doc=test"
	header := http.Header{"Authorization": {"Bearer not-a-token"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected dial to fail with bad credential")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestHandler_WebSocketConnect(t *testing.T) {
	server, _, verifier, _ := setupTestServer(t)
	token := issueToken(t, verifier, "a1")

	conn := wsConnect(t, server, token, "test-doc")
	msg := readWsMsg(t, conn)
	if msg.Type != wire.MsgSessionEstablished {
		t.Errorf("expected session_established, got %q", msg.Type)
	}
	if msg.SessionID == "" {
		t.Error("missing session id")
	}
}

func TestHandler_TwoClientsCollaborate(t *testing.T) {
	server, _, verifier, _ := setupTestServer(t)

	conn1 := connectAndEstablish(t, server, issueToken(t, verifier, "a1"), "collab")
	conn2 := connectAndEstablish(t, server, issueToken(t, verifier, "a2"), "collab")

	// c1 hears about c2 joining.
	joinNotif := readWsMsg(t, conn1)
	if joinNotif.Type != wire.MsgPresence || joinNotif.Event != wire.PresenceJoin {
		t.Fatalf("c1 expected presence join, got %q/%q", joinNotif.Type, joinNotif.Event)
	}

	// c1 creates a node.
	conn1.WriteJSON(wire.ClientMessage{
		Type:        wire.MsgOperation,
		OperationID: "op-1",
		OpType:      doc.OpNodeCreate,
		TargetID:    "n1",
		Payload:     doc.Payload{Text: "root idea"},
		ClientTS:    time.Now(),
	})

	// c1 gets its own operation back with the sequence: the ack.
	ack := readWsMsg(t, conn1)
	if ack.Type != wire.MsgOperation || ack.Sequence != 1 {
		t.Fatalf("expected operation seq 1 ack, got %q seq %d", ack.Type, ack.Sequence)
	}

	// c2 gets the broadcast.
	broadcast := readWsMsg(t, conn2)
	if broadcast.Type != wire.MsgOperation || broadcast.Sequence != 1 {
		t.Fatalf("expected operation broadcast, got %q seq %d", broadcast.Type, broadcast.Sequence)
	}
	if broadcast.Operation.TargetID != "n1" || broadcast.Operation.OriginActor != "a1" {
		t.Errorf("broadcast op = %+v", broadcast.Operation)
	}
}

func TestHandler_LateJoinerGetsCurrentSnapshot(t *testing.T) {
	server, _, verifier, _ := setupTestServer(t)

	conn1 := connectAndEstablish(t, server, issueToken(t, verifier, "a1"), "late")
	for i := 1; i <= 3; i++ {
		conn1.WriteJSON(wire.ClientMessage{
			Type:        wire.MsgOperation,
			OperationID: fmt.Sprintf("op-%d", i),
			OpType:      doc.OpNodeCreate,
			TargetID:    fmt.Sprintf("n%d", i),
			Payload:     doc.Payload{Text: "idea"},
			ClientTS:    time.Now(),
		})
		readWsMsg(t, conn1) // ack
	}

	conn2 := wsConnect(t, server, issueToken(t, verifier, "a2"), "late")
	readWsMsg(t, conn2) // session_established
	snapshot := readWsMsg(t, conn2)
	if snapshot.Type != wire.MsgSnapshot || snapshot.Sequence != 3 {
		t.Fatalf("expected snapshot seq 3, got %q seq %d", snapshot.Type, snapshot.Sequence)
	}
	if snapshot.Document.Len() != 3 {
		t.Errorf("snapshot has %d nodes, want 3", snapshot.Document.Len())
	}
}

func TestHandler_TokenEndpoint(t *testing.T) {
	server, _, _, _ := setupTestServer(t)

	resp := apiRequest(t, server, http.MethodPost, "/auth/token", "", tokenRequest{ActorID: "a1", Name: "Alice"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		t.Fatal(err)
	}
	if tr.Token == "" {
		t.Fatal("empty token")
	}

	// The issued token opens a sync session.
	conn := wsConnect(t, server, tr.Token, "tok-doc")
	msg := readWsMsg(t, conn)
	if msg.Type != wire.MsgSessionEstablished {
		t.Errorf("expected session_established, got %q", msg.Type)
	}
}

func TestHandler_DocumentREST(t *testing.T) {
	server, _, verifier, _ := setupTestServer(t)
	token := issueToken(t, verifier, "a1")

	// Unauthenticated listing is rejected.
	if resp := apiRequest(t, server, http.MethodGet, "/documents", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list status = %d", resp.StatusCode)
	}

	// Create, then list and get.
	if resp := apiRequest(t, server, http.MethodPost, "/documents", token, createDocumentRequest{ID: "d1"}); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	if resp := apiRequest(t, server, http.MethodPost, "/documents", token, createDocumentRequest{ID: "d1"}); resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create status = %d", resp.StatusCode)
	}

	resp := apiRequest(t, server, http.MethodGet, "/documents", token, nil)
	var infos []store.DocumentInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].ID != "d1" {
		t.Errorf("list = %+v", infos)
	}

	resp = apiRequest(t, server, http.MethodGet, "/documents/d1", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var d doc.Document
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		t.Fatal(err)
	}
	if d.Node(doc.RootID) == nil {
		t.Error("document missing root")
	}

	if resp := apiRequest(t, server, http.MethodGet, "/documents/missing", token, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing get status = %d", resp.StatusCode)
	}
}

func TestHandler_OfflineUpload(t *testing.T) {
	server, _, verifier, st := setupTestServer(t)
	token := issueToken(t, verifier, "a1")

	// A document edited offline exists only on the client.
	local := doc.New("offline-doc")
	op := doc.NewOperation(doc.OpNodeCreate, "n1", doc.Payload{Text: "offline idea"}, "a1")
	op.Sequence = 1
	if err := local.Apply(op); err != nil {
		t.Fatal(err)
	}

	resp := apiRequest(t, server, http.MethodPut, "/documents/offline-doc", token, local)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}

	stored, err := st.Get(ctx(), "offline-doc")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Node("n1") == nil || stored.Node("n1").Text != "offline idea" {
		t.Error("uploaded snapshot not stored")
	}
}

func TestHandler_UploadRejectedForLiveSession(t *testing.T) {
	server, _, verifier, _ := setupTestServer(t)
	token := issueToken(t, verifier, "a1")

	connectAndEstablish(t, server, token, "live-doc")
	time.Sleep(50 * time.Millisecond) // let the hub register the session

	resp := apiRequest(t, server, http.MethodPut, "/documents/live-doc", token, doc.New("live-doc"))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("upload to live doc status = %d, want 409", resp.StatusCode)
	}
}

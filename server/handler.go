package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/alimasry/go-mindmap-sync/auth"
	"github.com/alimasry/go-mindmap-sync/doc"
	"github.com/alimasry/go-mindmap-sync/store"
	"github.com/alimasry/go-mindmap-sync/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHandler creates the HTTP handler with all routes: the sync websocket
// and the REST surface used for document listing and offline uploads.
func NewHandler(hub *Hub, verifier *auth.Verifier, st store.DocumentStore) http.Handler {
	h := &handler{hub: hub, verifier: verifier, store: st}

	r := mux.NewRouter()
	r.HandleFunc("/auth/token", h.issueToken).Methods(http.MethodPost)
	r.HandleFunc("/ws", h.serveWS)
	r.HandleFunc("/documents", h.listDocuments).Methods(http.MethodGet)
	r.HandleFunc("/documents", h.createDocument).Methods(http.MethodPost)
	r.HandleFunc("/documents/{id}", h.getDocument).Methods(http.MethodGet)
	r.HandleFunc("/documents/{id}", h.putDocument).Methods(http.MethodPut)
	return r
}

type handler struct {
	hub      *Hub
	verifier *auth.Verifier
	store    store.DocumentStore
}

// bearerToken extracts the credential from the Authorization header, with a
// query parameter fallback for clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (h *handler) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		writeJSONError(w, http.StatusUnauthorized, wire.CodeAuthFailed, "missing credential")
		return auth.Identity{}, false
	}
	identity, err := h.verifier.Verify(token)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, wire.CodeAuthFailed, "invalid credential")
		return auth.Identity{}, false
	}
	return identity, true
}

// serveWS authenticates the connect, upgrades it and joins the client to the
// document named in the query string.
func (h *handler) serveWS(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	docID := r.URL.Query().Get("doc")
	if docID == "" {
		writeJSONError(w, http.StatusBadRequest, wire.CodeUnknownDocument, "missing doc parameter")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	client := newClient(h.hub, conn, identity)
	go client.WritePump()
	go client.ReadPump()
	h.hub.joinDoc <- joinRequest{client: client, docID: docID}
}

type tokenRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (h *handler) issueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ActorID == "" {
		writeJSONError(w, http.StatusBadRequest, wire.CodeAuthFailed, "actor_id required")
		return
	}
	token, err := h.verifier.Issue(auth.Identity{ActorID: req.ActorID, Name: req.Name})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, wire.CodeAuthFailed, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}

func (h *handler) listDocuments(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	infos, err := h.store.List(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, wire.CodeUnknownDocument, "failed to list documents")
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

type createDocumentRequest struct {
	ID string `json:"id"`
}

func (h *handler) createDocument(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeJSONError(w, http.StatusBadRequest, wire.CodeUnknownDocument, "id required")
		return
	}
	d := doc.New(req.ID)
	if err := h.store.Create(r.Context(), d); err != nil {
		if errors.Is(err, store.ErrExists) {
			writeJSONError(w, http.StatusConflict, wire.CodeConflict, "document already exists")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, wire.CodeUnknownDocument, "failed to create document")
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *handler) getDocument(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	id := mux.Vars(r)["id"]
	d, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, wire.CodeUnknownDocument, "document not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, wire.CodeUnknownDocument, "failed to load document")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// putDocument replaces a stored snapshot. Offline reconciliation uses this to
// upload documents that only exist (or are newer) on a client. A document
// with a live editing session is authoritative on the server side and cannot
// be replaced out from under it.
func (h *handler) putDocument(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if h.hub.GetSession(id) != nil {
		writeJSONError(w, http.StatusConflict, wire.CodeConflict, "document has a live session")
		return
	}

	var d doc.Document
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeJSONError(w, http.StatusBadRequest, wire.CodeInvalidOperation, "invalid document body")
		return
	}
	d.ID = id

	err := h.store.UpdateSnapshot(r.Context(), &d)
	if errors.Is(err, store.ErrNotFound) {
		err = h.store.Create(r.Context(), &d)
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, wire.CodeUnknownDocument, "failed to store document")
		return
	}
	writeJSON(w, http.StatusOK, &d)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

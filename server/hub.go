package server

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/alimasry/go-mindmap-sync/doc"
	"github.com/alimasry/go-mindmap-sync/store"
	"github.com/alimasry/go-mindmap-sync/wire"
)

type joinRequest struct {
	client *Client
	docID  string
}

// Hub manages document sessions and routes clients to the right session.
type Hub struct {
	store    store.DocumentStore
	sessions map[string]*DocSession
	mu       sync.RWMutex

	joinDoc chan joinRequest
}

func NewHub(st store.DocumentStore) *Hub {
	return &Hub{
		store:    st,
		sessions: make(map[string]*DocSession),
		joinDoc:  make(chan joinRequest, 64),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for req := range h.joinDoc {
		h.handleJoinDoc(req)
	}
}

func (h *Hub) handleJoinDoc(req joinRequest) {
	h.mu.Lock()
	s, ok := h.sessions[req.docID]
	if !ok {
		ctx := context.Background()
		d, err := h.store.Get(ctx, req.docID)
		if errors.Is(err, store.ErrNotFound) {
			// First join creates the document.
			d = doc.New(req.docID)
			if err := h.store.Create(ctx, d); err != nil && !errors.Is(err, store.ErrExists) {
				log.Printf("hub: failed to create doc %q: %v", req.docID, err)
				h.mu.Unlock()
				req.client.sendError("", wire.CodeUnknownDocument, "failed to create document")
				return
			}
		} else if err != nil {
			log.Printf("hub: failed to get doc %q: %v", req.docID, err)
			h.mu.Unlock()
			req.client.sendError("", wire.CodeUnknownDocument, "failed to load document")
			return
		}

		history, err := h.store.GetOperations(ctx, req.docID, 0)
		if err != nil {
			log.Printf("hub: failed to load history for %q: %v", req.docID, err)
			history = nil
		}

		s = newDocSession(req.docID, d, history, h.store)
		h.sessions[req.docID] = s
		go s.Run()
	}
	h.mu.Unlock()

	s.join <- req.client
}

// GetSession returns the session for a document, if active.
func (h *Hub) GetSession(docID string) *DocSession {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[docID]
}

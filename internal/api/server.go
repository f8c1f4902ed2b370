// Package api exposes the engine over HTTP: the coordinator operation set,
// read-only tree queries, and the change feed as a websocket stream with
// replay. Interactive editors and automation clients both come through
// here, so they observe the one same feed.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	trellis "github.com/trellisdb/trellis"
	"github.com/trellisdb/trellis/internal/coordinator"
	"github.com/trellisdb/trellis/pkg/types"
)

type Server struct {
	log      *logrus.Logger
	db       *trellis.DB
	upgrader websocket.Upgrader
}

func NewServer(db *trellis.DB, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		log: logger,
		db:  db,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/nodes", s.handleCreateNode)
		r.Get("/nodes/{id}", s.handleGetNode)
		r.Put("/nodes/{id}/content", s.handleUpdateContent)
		r.Post("/nodes/{id}/indent", s.handleIndent)
		r.Post("/nodes/{id}/outdent", s.handleOutdent)
		r.Post("/nodes/{id}/move", s.handleMove)
		r.Delete("/nodes/{id}", s.handleDeleteSubtree)
		r.Get("/nodes/{id}/children", s.handleGetChildren)
		r.Get("/nodes/{id}/parent", s.handleGetParent)
		r.Get("/nodes/{id}/ancestors", s.handleGetAncestors)
		r.Get("/changes", s.handleChanges)
	})

	return r
}

type nodeJSON struct {
	ID            string `json:"id"`
	NodeType      string `json:"nodeType"`
	Content       string `json:"content"`
	Version       uint64 `json:"version"`
	SchemaVersion int    `json:"schemaVersion"`
	CreatedAt     string `json:"createdAt"`
	ModifiedAt    string `json:"modifiedAt"`
}

type edgeJSON struct {
	ParentID string  `json:"parentId"`
	ChildID  string  `json:"childId"`
	Order    float64 `json:"order"`
	Version  uint64  `json:"version"`
}

func toNodeJSON(n types.Node) nodeJSON {
	return nodeJSON{
		ID:            n.ID,
		NodeType:      n.NodeType,
		Content:       string(n.Content),
		Version:       n.Version,
		SchemaVersion: n.SchemaVersion,
		CreatedAt:     n.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		ModifiedAt:    n.ModifiedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

func toEdgeJSON(e types.Edge) edgeJSON {
	return edgeJSON{ParentID: e.ParentID, ChildID: e.ChildID, Order: e.Order, Version: e.Version}
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string `json:"id"`
		ParentID    string `json:"parentId"`
		InsertAfter string `json:"insertAfter"`
		NodeType    string `json:"nodeType"`
		Content     string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	node, err := s.db.CreateNode(r.Context(), coordinator.CreateOptions{
		ID:          req.ID,
		ParentID:    req.ParentID,
		InsertAfter: req.InsertAfter,
		NodeType:    req.NodeType,
		Content:     []byte(req.Content),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toNodeJSON(node))
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.db.GetNode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toNodeJSON(node))
}

func (s *Server) handleUpdateContent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExpectedVersion uint64 `json:"expectedVersion"`
		Content         string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	node, err := s.db.UpdateContent(r.Context(), chi.URLParam(r, "id"), req.ExpectedVersion, []byte(req.Content))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toNodeJSON(node))
}

func (s *Server) handleIndent(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Indent(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOutdent(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Outdent(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewParentID         string `json:"newParentId"`
		InsertAfter         string `json:"insertAfter"`
		ExpectedEdgeVersion uint64 `json:"expectedEdgeVersion"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	err := s.db.Move(r.Context(), coordinator.MoveOptions{
		NodeID:              chi.URLParam(r, "id"),
		NewParentID:         req.NewParentID,
		InsertAfter:         req.InsertAfter,
		ExpectedEdgeVersion: req.ExpectedEdgeVersion,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSubtree(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteSubtree(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetChildren(w http.ResponseWriter, r *http.Request) {
	edges, err := s.db.GetChildren(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]edgeJSON, len(edges))
	for i, e := range edges {
		out[i] = toEdgeJSON(e)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetParent(w http.ResponseWriter, r *http.Request) {
	parent, ok, err := s.db.GetParent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"parentId": parent, "isRoot": !ok})
}

func (s *Server) handleGetAncestors(w http.ResponseWriter, r *http.Request) {
	ancestors, err := s.db.GetAncestors(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if ancestors == nil {
		ancestors = []string{}
	}
	s.writeJSON(w, http.StatusOK, ancestors)
}

// handleChanges upgrades to a websocket and streams the change feed,
// replaying from ?from=N first so a reconnecting client misses nothing.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	var fromSeq uint64
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		fromSeq = parsed
	}

	records, err := s.db.Subscribe(r.Context(), fromSeq)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for rec := range records {
		if err := conn.WriteJSON(changeJSON(rec)); err != nil {
			s.log.Debugf("feed subscriber went away: %v", err)
			return
		}
	}
}

func changeJSON(rec types.ChangeRecord) map[string]any {
	out := map[string]any{
		"seq":    rec.Seq,
		"entity": rec.Entity,
		"action": rec.Action,
	}
	switch rec.Entity {
	case types.EntityNode:
		out["nodeId"] = rec.NodeID
		out["nodeType"] = rec.NodeType
		out["version"] = rec.Version
		if rec.Action != types.ActionDeleted {
			out["content"] = string(rec.Content)
		}
	case types.EntityEdge:
		out["parentId"] = rec.ParentID
		out["childId"] = rec.ChildID
		out["order"] = rec.Order
		out["version"] = rec.Version
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warnf("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeDomainError maps the engine's error taxonomy onto HTTP statuses. A
// version conflict ships the winning state so the client can re-derive its
// intent.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var ve *types.ValidationError
	var se *types.StructuralConflictError
	var ce *types.VersionConflictError
	var tf *types.TransactionFailure

	switch {
	case errors.As(err, &ve):
		s.writeError(w, http.StatusUnprocessableEntity, err)
	case errors.As(err, &se):
		s.writeError(w, http.StatusConflict, err)
	case errors.As(err, &ce):
		body := map[string]any{"error": err.Error()}
		if ce.CurrentNode != nil {
			body["current"] = toNodeJSON(*ce.CurrentNode)
		}
		if ce.CurrentEdge != nil {
			body["current"] = toEdgeJSON(*ce.CurrentEdge)
		}
		s.writeJSON(w, http.StatusConflict, body)
	case errors.Is(err, types.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.As(err, &tf):
		s.writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

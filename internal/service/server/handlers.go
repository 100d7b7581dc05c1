package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"didcomm_mediator/internal/model"
	"didcomm_mediator/internal/utils/hash"
	"didcomm_mediator/internal/utils/log"
)

const envelopeMediaType = "application/didcomm-encrypted+json"

type (
	challengeRequest struct {
		DID string `json:"did"`
	}

	authResponseRequest struct {
		SessionID string          `json:"session_id"`
		Response  json.RawMessage `json:"response"`
	}

	refreshRequest struct {
		RefreshToken string `json:"refresh_token"`
	}

	healthReply struct {
		Status  string `json:"status"`
		UptimeS int64  `json:"uptime_s"`
	}
)

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DID == "" {
		s.writeError(w, "", model.NewError(model.KindMalformed, "a did is required"))
		return
	}

	challenge, err := s.auth.NewChallenge(r.Context(), req.DID)
	if err != nil {
		s.writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, challenge)
}

func (s *Server) handleAuthResponse(w http.ResponseWriter, r *http.Request) {
	var req authResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || len(req.Response) == 0 {
		s.writeError(w, "", model.NewError(model.KindMalformed, "session_id and response are required"))
		return
	}

	tokens, err := s.auth.Authenticate(r.Context(), req.SessionID, req.Response)
	if err != nil {
		s.writeError(w, req.SessionID, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		s.writeError(w, "", model.NewError(model.KindMalformed, "a refresh_token is required"))
		return
	}

	tokens, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, sess *model.Session) {
	if err := s.auth.Logout(r.Context(), sess.ID); err != nil {
		s.writeError(w, sess.ID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleInbound accepts one packed envelope per request. A protocol reply, if
// any, comes back packed in the response body; forwarded messages are
// acknowledged with 202 and an empty body.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request, sess *model.Session) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.Limits.MaxMessageBytes+1))
	if err != nil {
		s.writeError(w, sess.ID, model.NewError(model.KindInternal, "read request body"))
		return
	}
	if int64(len(payload)) > s.cfg.Limits.MaxMessageBytes {
		s.writeError(w, sess.ID, model.NewError(model.KindMalformed, "message exceeds maximum size"))
		return
	}

	reply, err := s.dispatcher.Handle(r.Context(), sess, payload)
	if err != nil {
		s.writeError(w, sess.ID, err)
		return
	}
	if reply == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", envelopeMediaType)
	w.WriteHeader(http.StatusOK)
	w.Write(reply)
}

// handleOutbound upgrades to a WebSocket pickup/live session for the DID in
// the path. Only the session owner, or an admin, may attach to a queue.
func (s *Server) handleOutbound(w http.ResponseWriter, r *http.Request, sess *model.Session) {
	did := mux.Vars(r)["did"]
	if hash.DID(did) != sess.DIDHash && !sess.Admin {
		s.writeError(w, sess.ID, model.NewError(model.KindForbidden, "queue belongs to another DID"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	ws := newWSSession(conn, sess, s.store, s.dispatcher, s.cfg.Limits.WSQueueCap, s.cfg.Limits.MaxMessageBytes)
	ws.run(r.Context())
}

func (s *Server) handleOOBFetch(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("_oobid")
	if id == "" {
		s.writeError(w, "", model.NewError(model.KindMalformed, "an _oobid is required"))
		return
	}

	payload, err := s.oob.Fetch(r.Context(), id)
	if err != nil {
		s.writeError(w, "", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

func (s *Server) handleOOBCreate(w http.ResponseWriter, r *http.Request, sess *model.Session) {
	if !sess.Admin {
		s.writeError(w, sess.ID, model.NewError(model.KindForbidden, "administrative capability required"))
		return
	}

	id, payload, err := s.oob.NewInvitation(r.Context())
	if err != nil {
		s.writeError(w, sess.ID, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]json.RawMessage{
		"_oobid":     json.RawMessage(`"` + id + `"`),
		"invitation": payload,
	})
}

func (s *Server) handleOOBRevoke(w http.ResponseWriter, r *http.Request, sess *model.Session) {
	if !sess.Admin {
		s.writeError(w, sess.ID, model.NewError(model.KindForbidden, "administrative capability required"))
		return
	}
	if err := s.oob.Revoke(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, sess.ID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthReply{
		Status:  "ok",
		UptimeS: int64(time.Since(s.started).Seconds()),
	})
}

// handleWellKnownDID publishes the mediator's own DID together with its
// resolved document so clients can bootstrap without out-of-band material.
func (s *Server) handleWellKnownDID(w http.ResponseWriter, r *http.Request) {
	doc, err := s.resolver.Resolve(r.Context(), s.cfg.Mediator.DID)
	if err != nil {
		s.writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"did":      s.cfg.Mediator.DID,
		"document": doc,
	})
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"didcomm_mediator/internal/model"
	"didcomm_mediator/internal/utils/log"
)

type (
	sessionHandler func(http.ResponseWriter, *http.Request, *model.Session)

	// errorEnvelope is the JSON error shape on the REST surface.
	errorEnvelope struct {
		SessionID    string `json:"sessionId"`
		HTTPCode     int    `json:"httpCode"`
		ErrorCode    int    `json:"errorCode"`
		ErrorCodeStr string `json:"errorCodeStr"`
		Message      string `json:"message"`
	}
)

// errorCodes gives every taxonomy kind a stable numeric alias for clients
// that switch on integers.
var errorCodes = map[model.Kind]int{
	model.KindChallengeExpired: 1,
	model.KindSignatureInvalid: 2,
	model.KindTokenExpired:     3,
	model.KindACLDenied:        4,
	model.KindQueueLimit:       5,
	model.KindNotFound:         6,
	model.KindForbidden:        7,
	model.KindMalformed:        8,
	model.KindResolutionFailed: 9,
	model.KindStoreUnavailable: 10,
	model.KindInternal:         11,
}

// authenticated verifies the bearer token and hands the session to next. The
// token may also arrive as a query parameter for WebSocket clients that
// cannot set headers.
func (s *Server) authenticated(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.writeError(w, "", model.NewError(model.KindTokenExpired, "an access token is required"))
			return
		}

		sess, err := s.auth.Verify(r.Context(), token)
		if err != nil {
			s.writeError(w, "", err)
			return
		}
		next(w, r, sess)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return r.URL.Query().Get("token")
}

func (s *Server) writeError(w http.ResponseWriter, sessionID string, err error) {
	kind := model.KindOf(err)
	status := kind.HTTPStatus()

	var me *model.Error
	message := "internal error"
	if errors.As(err, &me) {
		message = me.Message
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	writeJSON(w, status, errorEnvelope{
		SessionID:    sessionID,
		HTTPCode:     status,
		ErrorCode:    errorCodes[kind],
		ErrorCodeStr: string(kind),
		Message:      message,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn("write response failed", zap.Error(err))
	}
}

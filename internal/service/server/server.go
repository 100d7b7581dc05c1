// Package server exposes the mediator's HTTP and WebSocket surface. All
// routes live under /mediator/v1; the envelope-level protocols are handled by
// the dispatcher, this package only does transport, authentication and the
// JSON error envelope.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"didcomm_mediator/internal/config"
	"didcomm_mediator/internal/delivery"
	"didcomm_mediator/internal/protocol"
	"didcomm_mediator/internal/resolver"
	"didcomm_mediator/internal/service/auth"
	"didcomm_mediator/internal/service/redis"
	"didcomm_mediator/internal/utils/log"
)

type (
	// Server owns the router and the subsystems the handlers call into.
	Server struct {
		cfg        *config.Config
		auth       *auth.Authenticator
		dispatcher *protocol.Dispatcher
		engine     *delivery.Engine
		oob        *protocol.OOB
		store      *redis.Store
		resolver   resolver.Resolver
		started    time.Time

		httpSrv *http.Server
	}
)

func New(cfg *config.Config, authn *auth.Authenticator, dispatcher *protocol.Dispatcher,
	engine *delivery.Engine, oob *protocol.OOB, store *redis.Store, res resolver.Resolver) *Server {
	s := &Server{
		cfg:        cfg,
		auth:       authn,
		dispatcher: dispatcher,
		engine:     engine,
		oob:        oob,
		store:      store,
		resolver:   res,
		started:    time.Now(),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	v1 := r.PathPrefix("/mediator/v1").Subrouter()
	v1.HandleFunc("/authentication/challenge", s.handleChallenge).Methods(http.MethodPost)
	v1.HandleFunc("/authentication/response", s.handleAuthResponse).Methods(http.MethodPost)
	v1.HandleFunc("/authentication/refresh", s.handleRefresh).Methods(http.MethodPost)
	v1.HandleFunc("/authentication", s.authenticated(s.handleLogout)).Methods(http.MethodDelete)
	v1.HandleFunc("/inbound", s.authenticated(s.handleInbound)).Methods(http.MethodPost)
	v1.HandleFunc("/outbound/{did}", s.authenticated(s.handleOutbound)).Methods(http.MethodGet)
	v1.HandleFunc("/oob", s.handleOOBFetch).Methods(http.MethodGet)
	v1.HandleFunc("/oob", s.authenticated(s.handleOOBCreate)).Methods(http.MethodPost)
	v1.HandleFunc("/oob/{id}", s.authenticated(s.handleOOBRevoke)).Methods(http.MethodDelete)
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/.well-known/did", s.handleWellKnownDID).Methods(http.MethodGet)

	var handler http.Handler = r
	if len(s.cfg.Server.CORSAllowOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: s.cfg.Server.CORSAllowOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}).Handler(r)
	}
	return handler
}

// Run serves until ctx is cancelled, then drains connections. WebSocket
// sessions observe the cancellation through their own contexts.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.Server.TLS.Cert != "" {
			log.Info("listening with TLS", zap.String("addr", s.cfg.Server.Listen))
			err = s.httpSrv.ListenAndServeTLS(s.cfg.Server.TLS.Cert, s.cfg.Server.TLS.Key)
		} else {
			log.Info("listening", zap.String("addr", s.cfg.Server.Listen))
			err = s.httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown did not drain cleanly", zap.Error(err))
		return err
	}
	log.Info("server stopped")
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients carry the token, not a cookie; origin enforcement
	// happens in the CORS layer for the REST surface.
	CheckOrigin: func(*http.Request) bool { return true },
}

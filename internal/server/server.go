// Package server is a self-hostable stand-in for the managed realtime
// backend: a key-value feed with push-append and subscribe-on-path
// semantics, a credential issuer, and blob storage. The whatschat client
// talks to it through internal/remote.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"whatschat/internal/metrics"
)

const maxBlobBytes = 5 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dev server; no origin policy
	},
}

// Server hosts the reference backend.
type Server struct {
	store  *Store
	auth   *Auth
	logger *slog.Logger

	blobMu sync.Mutex
	blobs  map[string][]byte
}

func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  NewStore(),
		auth:   NewAuth(),
		logger: logger,
		blobs:  make(map[string][]byte),
	}
}

// Router builds the HTTP surface. The subscribe route is registered before
// the generic feed route so the greedy path pattern does not swallow it.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Collector.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/auth/signup", s.handleSignUp).Methods(http.MethodPost)
	api.HandleFunc("/auth/signin", s.handleSignIn).Methods(http.MethodPost)
	api.HandleFunc("/auth/signout", s.handleSignOut).Methods(http.MethodPost)

	api.HandleFunc("/feed/{path:.+}/subscribe", s.handleSubscribe).Methods(http.MethodGet)
	api.HandleFunc("/feed/{path:.+}", s.requireAuth(s.handleAppend)).Methods(http.MethodPost)
	api.HandleFunc("/feed/{path:.+}", s.requireAuth(s.handleRead)).Methods(http.MethodGet)
	api.HandleFunc("/feed/{path:.+}", s.requireAuth(s.handleUpdate)).Methods(http.MethodPatch)

	api.HandleFunc("/blobs/{path:.+}", s.requireAuth(s.handleBlobUpload)).Methods(http.MethodPost)
	api.HandleFunc("/blobs/{path:.+}", s.handleBlobFetch).Methods(http.MethodGet)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- auth ---

type credentialsBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	user, token, err := s.auth.Register(body.Email, body.Password)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}

	// Seed the profile record the way the app expects to find it.
	s.store.UpdateDoc("users/"+user.ID, map[string]any{
		"userId":      user.ID,
		"displayName": displayNameFor(user.Email),
	})

	s.logger.Info("user registered", "user", user.ID)
	writeJSON(w, http.StatusOK, map[string]string{
		"token":  token,
		"userId": user.ID,
		"email":  user.Email,
	})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	user, token, err := s.auth.Login(body.Email, body.Password)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":  token,
		"userId": user.ID,
		"email":  user.Email,
	})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" {
		s.auth.Revoke(token)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "signed out"})
}

func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	var ae *apiError
	if errors.As(err, &ae) {
		writeError(w, ae.Status, ae.Code, ae.Message)
		return
	}
	s.logger.Error("auth failure", "err", err)
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

// --- feed ---

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set websocket headers, so the token may ride the
	// query string instead.
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if _, ok := s.auth.UserFor(token); !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		return
	}

	path := mux.Vars(r)["path"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "path", path, "err", err)
		return
	}

	sub := s.store.Subscribe(path)
	s.logger.Debug("feed subscriber attached", "path", path)
	defer s.store.Unsubscribe(sub)
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case snap, ok := <-sub.C():
			if !ok {
				return
			}
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	record, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil || !json.Valid(record) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON record")
		return
	}
	id := s.store.Append(path, record)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	if doc, ok := s.store.ReadDoc(path); ok {
		writeJSON(w, http.StatusOK, doc)
		return
	}
	snap := s.store.Snapshot(path)
	if len(snap) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "nothing at path")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	s.store.UpdateDoc(path, fields)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// --- blobs ---

func (s *Server) handleBlobUpload(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBlobBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "cannot read body")
		return
	}
	if len(data) > maxBlobBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "blob exceeds size limit")
		return
	}

	s.blobMu.Lock()
	s.blobs[path] = data
	s.blobMu.Unlock()

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"url": scheme + "://" + r.Host + "/v1/blobs/" + path,
	})
}

func (s *Server) handleBlobFetch(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	s.blobMu.Lock()
	data, ok := s.blobs[path]
	s.blobMu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no blob at path")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "max-age=3600")
	w.Write(data)
}

// --- helpers ---

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.auth.UserFor(bearerToken(r)); !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func displayNameFor(email string) string {
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return email
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"code": code, "error": msg})
}

// Run serves the backend on addr until an error occurs.
func (s *Server) Run(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("reference server listening", "addr", addr)
	return srv.ListenAndServe()
}

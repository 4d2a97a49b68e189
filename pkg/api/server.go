package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/openuds/engine/pkg/log"
	"github.com/openuds/engine/pkg/manager"
	"github.com/openuds/engine/pkg/metrics"
	"github.com/openuds/engine/pkg/storage"
	"github.com/openuds/engine/pkg/types"
)

const authHeader = "X-Auth-Token"

// Server is the engine's REST surface: server registration, agent
// callbacks and user-service assignment. Everything except register,
// healthz and metrics requires a known server token.
type Server struct {
	mgr    *manager.Manager
	store  *storage.Store
	router chi.Router
	http   *http.Server
}

func NewServer(mgr *manager.Manager, store *storage.Store) *Server {
	s := &Server{mgr: mgr, store: store}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(instrument)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/servers/register", s.handleRegister)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/servers/event", s.handleEvent)
			r.Post("/services/{uuid}/ready", s.handleReady)
			r.Post("/pools/{uuid}/assign", s.handleAssign)
		})
	})

	s.router = r
	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.WithComponent("api").Info().Str("addr", addr).Msg("API listening")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// instrument records the request counter and latency histogram.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type serverKey struct{}

// authenticate resolves the X-Auth-Token header to a registered server
// and stores it on the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv, err := s.mgr.AuthenticateServer(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), serverKey{}, srv)))
	})
}

func requestServer(r *http.Request) *types.Server {
	srv, _ := r.Context().Value(serverKey{}).(*types.Server)
	return srv
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.DB().HealthCheck(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

type registerRequest struct {
	Token    string `json:"token,omitempty"`
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
	Port     int    `json:"port,omitempty"`
	MAC      string `json:"mac,omitempty"`
	Type     string `json:"type"`
	Subtype  string `json:"subtype,omitempty"`
	OSType   string `json:"os_type,omitempty"`
	Version  string `json:"version,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if req.Hostname == "" || req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "hostname and type are required"})
		return
	}
	token, err := s.mgr.RegisterServer(&types.Server{
		Token: req.Token, Hostname: req.Hostname, IP: req.IP, Port: req.Port,
		MAC: req.MAC, Type: req.Type, Subtype: req.Subtype,
		OSType: req.OSType, Version: req.Version,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type eventRequest struct {
	Event string            `json:"event"`
	Data  map[string]string `json:"data"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if err := s.mgr.NotifyEvent(requestServer(r), req.Event, req.Data); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	var data map[string]string
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if err := s.mgr.NotifyReady(chi.URLParam(r, "uuid"), data); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type assignRequest struct {
	User   string   `json:"user"`
	Groups []string `json:"groups,omitempty"`
}

type assignResponse struct {
	UUID    string `json:"uuid"`
	State   string `json:"state"`
	OSState string `json:"os_state"`
	IP      string `json:"ip,omitempty"`
	Ready   bool   `json:"ready"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if req.User == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user is required"})
		return
	}
	pool, err := s.store.GetPoolByUUID(chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, err)
		return
	}
	us, err := s.mgr.GetUserService(&types.User{ID: req.User, Groups: req.Groups}, pool)
	if err != nil {
		writeError(w, err)
		return
	}
	ip, _, err := s.store.GetProperty(us.ID, types.PropIP)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assignResponse{
		UUID:    us.UUID,
		State:   string(us.State),
		OSState: string(us.OSState),
		IP:      ip,
		Ready:   us.State == types.StateUsable && us.OSState == types.StateUsable,
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the engine error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case types.IsAccessDenied(err):
		code = http.StatusForbidden
	case types.IsNotFound(err):
		code = http.StatusNotFound
	case types.IsInvalid(err), types.IsMaxServicesReached(err):
		code = http.StatusConflict
	case types.IsRetryable(err):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

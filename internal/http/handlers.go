package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/rideboard/internal/auth"
	"github.com/example/rideboard/internal/history"
	"github.com/example/rideboard/internal/models"
	"github.com/example/rideboard/internal/notify"
	"github.com/example/rideboard/internal/rides"
)

// Server wires the ride repository, history aggregator and identity resolver
// behind the HTTP boundary. It is stateless apart from the WS registry; all
// domain state lives in the external store.
type Server struct {
	Rides    *rides.Repository
	History  *history.Aggregator
	Auth     *auth.Service
	Resolver auth.Resolver
	WS       *notify.Registry

	// Ready reports whether the backing store is reachable; nil means
	// always ready (in-memory store).
	Ready func(ctx context.Context) error

	logger *slog.Logger
	router *mux.Router
}

func NewServer(repo *rides.Repository, hist *history.Aggregator, authSvc *auth.Service, ws *notify.Registry, ready func(ctx context.Context) error, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Rides:    repo,
		History:  hist,
		Auth:     authSvc,
		Resolver: authSvc,
		WS:       ws,
		Ready:    ready,
		logger:   logger,
		router:   mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/signup", s.handleSignup).Methods("POST")
	api.HandleFunc("/login", s.handleLogin).Methods("POST")
	api.HandleFunc("/me", s.withAuth(s.handleMe)).Methods("GET")
	api.HandleFunc("/rides", s.withAuth(s.handleCreateRide)).Methods("POST")
	api.HandleFunc("/rides", s.handleListRides).Methods("GET")
	api.HandleFunc("/rides/mine", s.withAuth(s.handleMyRides)).Methods("GET")
	api.HandleFunc("/rides/{id}/claim", s.withAuth(s.handleClaimRide)).Methods("POST")
	api.HandleFunc("/rides/{id}/complete", s.withAuth(s.handleCompleteRide)).Methods("POST")
	api.HandleFunc("/rides/{id}/rate", s.withAuth(s.handleRateRide)).Methods("POST")
	api.HandleFunc("/rides/{id}/cancel", s.withAuth(s.handleCancelRide)).Methods("POST")
	api.HandleFunc("/history", s.withAuth(s.handleHistory)).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWS)
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.router.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// withAuth resolves the bearer credential and hands the profile to the
// handler; on failure the request never reaches domain code.
func (s *Server) withAuth(h func(http.ResponseWriter, *http.Request, *models.Profile)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		profile, err := s.Resolver.Resolve(r.Context(), bearerToken(r))
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		h(w, r, profile)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var params auth.SignupParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.respondError(w, r, auth.ErrMissingFields)
		return
	}
	profile, token, err := s.Auth.Signup(r.Context(), params)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"success": true, "user": profile, "accessToken": token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, r, auth.ErrInvalidCredentials)
		return
	}
	profile, token, err := s.Auth.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"success": true, "user": profile, "accessToken": token})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, profile *models.Profile) {
	s.respondJSON(w, http.StatusOK, map[string]any{"user": profile})
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request, profile *models.Profile) {
	var body struct {
		PickupLocation  string             `json:"pickupLocation"`
		DropoffLocation string             `json:"dropoffLocation"`
		Date            string             `json:"date"`
		Time            string             `json:"time"`
		PaymentType     models.PaymentType `json:"paymentType"`
		PaymentAmount   float64            `json:"paymentAmount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, r, rides.ErrBadRequest)
		return
	}
	ride, err := s.Rides.Create(r.Context(), profile, rides.CreateParams{
		PickupLocation:  body.PickupLocation,
		DropoffLocation: body.DropoffLocation,
		Date:            body.Date,
		Time:            body.Time,
		PaymentType:     body.PaymentType,
		PaymentAmount:   body.PaymentAmount,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"success": true, "ride": ride})
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	open, err := s.Rides.ListOpen(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"rides": open})
}

func (s *Server) handleMyRides(w http.ResponseWriter, r *http.Request, profile *models.Profile) {
	mine, err := s.Rides.ListByRider(r.Context(), profile.ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"rides": mine})
}

func (s *Server) handleClaimRide(w http.ResponseWriter, r *http.Request, profile *models.Profile) {
	ride, err := s.Rides.Claim(r.Context(), profile, mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"success": true, "ride": ride})
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request, profile *models.Profile) {
	ride, err := s.Rides.Complete(r.Context(), profile.ID, mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"success": true, "ride": ride})
}

func (s *Server) handleRateRide(w http.ResponseWriter, r *http.Request, profile *models.Profile) {
	var body struct {
		Rating int `json:"rating"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, r, rides.ErrBadRequest)
		return
	}
	ride, err := s.Rides.Rate(r.Context(), profile.ID, mux.Vars(r)["id"], body.Rating)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"success": true, "ride": ride})
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request, profile *models.Profile) {
	ride, err := s.Rides.Cancel(r.Context(), profile.ID, mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"success": true, "ride": ride})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, profile *models.Profile) {
	summary, err := s.History.History(r.Context(), profile.ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

// handleWS authenticates via a token query parameter (browsers cannot set
// headers on WebSocket dials) and registers the session for board updates.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	profile, err := s.Resolver.Resolve(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.WS.Add(profile.ID, conn)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.WS.Remove(profile.ID, conn)
				return
			}
		}
	}()
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// respondError maps domain error kinds onto HTTP statuses. Everything
// unrecognized is a 500 with the detail kept out of the response body.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrInvalidCredentials):
		status, msg = http.StatusUnauthorized, err.Error()
	case errors.Is(err, rides.ErrNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, rides.ErrForbidden):
		status, msg = http.StatusForbidden, err.Error()
	case errors.Is(err, rides.ErrInvalidState):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, rides.ErrBadRequest),
		errors.Is(err, auth.ErrMissingFields),
		errors.Is(err, auth.ErrWeakPassword):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, auth.ErrEmailExists):
		status, msg = http.StatusConflict, err.Error()
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.respondJSON(w, status, map[string]string{"error": msg})
}

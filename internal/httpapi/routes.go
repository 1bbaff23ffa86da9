package httpapi

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/DoyleJ11/hero-quiz-backend/internal/ws"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func SetupRoutes(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(d.Log))

	// Public routes
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(ws.Deps{
		Hub:        d.Hub,
		Controller: d.Controller,
		Directory:  d.Directory,
		Passphrase: d.Passphrase,
		Log:        d.Log.Named("ws"),
		Dev:        d.Dev,
	}))
	r.Get("/session", GetSession(d))
	r.Delete("/session", ClearSession(d))

	r.Route("/rooms", func(r chi.Router) {
		r.Get("/", ListRooms(d))
		r.With(requireAdmin(d.Passphrase)).Post("/", CreateRoom(d))

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", GetRoom(d))
			r.Get("/qr", RoomQR(d))
			r.Post("/participants", JoinAsParticipant(d))
			r.Delete("/participants/{userID}", LeaveRoom(d))

			r.Group(func(r chi.Router) {
				r.Use(requireAdmin(d.Passphrase))
				r.Delete("/", DeleteRoom(d))
				r.Post("/reset", ResetRoom(d))
				r.Put("/team-count", UpdateTeamCount(d))
				r.Put("/questions", UpdateQuestions(d))
				r.Post("/admin", JoinAsAdmin(d))
			})
		})
	})
	return r
}

// requireAdmin gates a route on the shared admin passphrase.
func requireAdmin(passphrase string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(AdminHeader)
			if passphrase == "" || subtle.ConstantTimeCompare([]byte(got), []byte(passphrase)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "admin passphrase required"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/DoyleJ11/hero-quiz-backend/internal/directory"
	"github.com/DoyleJ11/hero-quiz-backend/internal/engine"
	"github.com/DoyleJ11/hero-quiz-backend/internal/game"
	"github.com/DoyleJ11/hero-quiz-backend/internal/hub"
	"github.com/DoyleJ11/hero-quiz-backend/internal/session"
	"github.com/DoyleJ11/hero-quiz-backend/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const (
	AdminHeader  = "X-Admin-Passphrase"
	ClientCookie = "heroquiz_client"
	qrSize       = 320 // mobile-friendly size
)

type Deps struct {
	Directory  *directory.Directory
	Controller *game.Controller
	Sessions   *session.Manager
	Hub        *hub.Hub
	Passphrase string
	Log        *zap.Logger
	Dev        bool
}

type roomResponse struct {
	Room        engine.Room       `json:"room"`
	Leaderboard []engine.Standing `json:"leaderboard"`
	TeamTotals  map[string]int64  `json:"teamTotals"`
}

type joinResponse struct {
	RoomID string      `json:"roomId"`
	User   engine.User `json:"user"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrGameInProgress),
		errors.Is(err, engine.ErrWrongPhase),
		errors.Is(err, engine.ErrGameFinished),
		errors.Is(err, engine.ErrGameNotStarted),
		errors.Is(err, game.ErrAwardPending):
		return http.StatusConflict
	case errors.Is(err, engine.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotHero),
		errors.Is(err, engine.ErrNotMember),
		errors.Is(err, engine.ErrHeroCannotGuess):
		return http.StatusForbidden
	case store.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (d Deps) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		d.Log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "internal error"
	} else if status == http.StatusServiceUnavailable {
		d.Log.Warn("store unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "temporarily unavailable, please retry"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &engine.ValidationError{Field: "body", Msg: "malformed json"}
	}
	return nil
}

// clientSessions binds the session manager to the caller's cookie, issuing
// one on first contact.
func (d Deps) clientSessions(w http.ResponseWriter, r *http.Request) *session.Manager {
	if c, err := r.Cookie(ClientCookie); err == nil && c.Value != "" {
		return d.Sessions.Bind(c.Value)
	}
	key := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     ClientCookie,
		Value:    key,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(session.MaxAge),
	})
	return d.Sessions.Bind(key)
}

func (d Deps) remember(w http.ResponseWriter, r *http.Request, roomID string, u engine.User) {
	if err := d.clientSessions(w, r).Save(roomID, u); err != nil {
		d.Log.Warn("save session", zap.Error(err))
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func ListRooms(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms, err := d.Directory.List(r.Context())
		if err != nil {
			d.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rooms)
	}
}

func CreateRoom(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg engine.RoomConfig
		if err := decode(r, &cfg); err != nil {
			d.fail(w, r, err)
			return
		}
		room, admin, err := d.Directory.Create(r.Context(), cfg)
		if err != nil {
			d.fail(w, r, err)
			return
		}
		d.remember(w, r, room.ID, admin)
		writeJSON(w, http.StatusCreated, joinResponse{RoomID: room.ID, User: admin})
	}
}

func GetRoom(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, err := d.Directory.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			d.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, roomResponse{
			Room:        room,
			Leaderboard: engine.Leaderboard(room),
			TeamTotals:  engine.TeamTotals(room),
		})
	}
}

func DeleteRoom(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Directory.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			d.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func ResetRoom(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Directory.Reset(r.Context(), chi.URLParam(r, "id")); err != nil {
			d.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func UpdateTeamCount(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TeamCount int `json:"teamCount"`
		}
		if err := decode(r, &body); err != nil {
			d.fail(w, r, err)
			return
		}
		if err := d.Directory.UpdateTeamCount(r.Context(), chi.URLParam(r, "id"), body.TeamCount); err != nil {
			d.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func UpdateQuestions(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Questions []string `json:"questions"`
		}
		if err := decode(r, &body); err != nil {
			d.fail(w, r, err)
			return
		}
		if err := d.Directory.UpdateQuestions(r.Context(), chi.URLParam(r, "id"), body.Questions); err != nil {
			d.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func JoinAsAdmin(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "id")
		admin, err := d.Directory.JoinAsAdmin(r.Context(), roomID)
		if err != nil {
			d.fail(w, r, err)
			return
		}
		d.remember(w, r, roomID, admin)
		writeJSON(w, http.StatusOK, joinResponse{RoomID: roomID, User: admin})
	}
}

func JoinAsParticipant(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
			Team string `json:"team"`
		}
		if err := decode(r, &body); err != nil {
			d.fail(w, r, err)
			return
		}
		roomID := chi.URLParam(r, "id")
		u, err := d.Directory.JoinAsParticipant(r.Context(), roomID, body.Name, body.Team)
		if err != nil {
			d.fail(w, r, err)
			return
		}
		d.remember(w, r, roomID, u)
		writeJSON(w, http.StatusCreated, joinResponse{RoomID: roomID, User: u})
	}
}

func LeaveRoom(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID, userID := chi.URLParam(r, "id"), chi.URLParam(r, "userID")
		if err := d.Directory.Leave(r.Context(), roomID, userID); err != nil {
			d.fail(w, r, err)
			return
		}
		mgr := d.clientSessions(w, r)
		if sess, ok, err := mgr.Peek(); err == nil && ok && sess.User.ID == userID {
			_ = mgr.Clear()
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func GetSession(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok, err := d.clientSessions(w, r).Restore(r.Context())
		if err != nil {
			d.fail(w, r, err)
			return
		}
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, joinResponse{RoomID: sess.RoomID, User: sess.User})
	}
}

func ClearSession(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.clientSessions(w, r).Clear(); err != nil {
			d.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// RoomQR renders a PNG QR code pointing at the room's join page.
func RoomQR(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "id")
		if _, err := d.Directory.Get(r.Context(), roomID); err != nil {
			d.fail(w, r, err)
			return
		}

		// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		url := scheme + "://" + r.Host + strings.TrimSuffix(r.URL.Path, "/qr")

		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			d.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

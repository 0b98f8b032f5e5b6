package loyalty

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/loyaltyapp/punchcard/loyalty/models"
)

// API is the HTTP surface of the loyalty service. All responses are JSON;
// every non-2xx body carries the user-facing message in its "error" field.
type API struct {
	service  *Service
	sessions *Sessions
}

func NewAPI(service *Service, sessions *Sessions) *API {
	return &API{
		service:  service,
		sessions: sessions,
	}
}

func (a *API) AppendRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", a.register)
		r.Post("/login", a.login)
		r.Post("/logout", a.logout)
		r.Get("/session", a.session)
	})
	r.Get("/programs", a.listPrograms)
	r.Route("/user/cards", func(r chi.Router) {
		r.Get("/", a.listCards)
		r.Post("/", a.addCard)
		r.Delete("/{cardID}", a.deleteCard)
	})
	r.Post("/scan", a.scan)
	r.Post("/rewards/redeem", a.redeem)
	r.Get("/admin/stats", a.stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	req := models.Register{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.service.Register(req)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			writeError(w, http.StatusConflict, "user already exists")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.sessions.Issue(w, user.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"user_id": user.ID,
		"user":    user,
	})
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	req := models.Login{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password required")
		return
	}
	user, err := a.service.Authenticate(req)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, ErrInvalidCredentials.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := a.sessions.Issue(w, user.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user_id": user.ID,
		"user":    user,
	})
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	a.sessions.Clear(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// session reports authentication state with 200 either way; an anonymous
// probe is not an error.
func (a *API) session(w http.ResponseWriter, r *http.Request) {
	userID, err := a.sessions.UserID(r)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	user, err := a.service.repo.GetUser(userID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user":          user,
	})
}

func (a *API) listPrograms(w http.ResponseWriter, r *http.Request) {
	programs, err := a.service.Catalog()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"companies": programs})
}

// requireUser resolves the session user or writes 401.
func (a *API) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := a.sessions.UserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return userID, true
}

func (a *API) listCards(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	cards, err := a.service.Cards(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": cards})
}

func (a *API) addCard(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	var body struct {
		ProgramID string `json:"company_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	card, err := a.service.AddCard(userID, body.ProgramID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			writeError(w, http.StatusNotFound, "company not found or inactive")
		case errors.Is(err, ErrConflict):
			writeError(w, http.StatusConflict, "already enrolled")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

func (a *API) deleteCard(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	cardID := chi.URLParam(r, "cardID")
	if err := a.service.DeleteCard(userID, cardID); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "card not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) scan(w http.ResponseWriter, r *http.Request) {
	req := models.ScanRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := a.service.Scan(req)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrCardFull):
			writeError(w, http.StatusConflict, models.ErrCardFull.Error())
		case errors.Is(err, ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) redeem(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	req := models.RedeemRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := a.service.Redeem(userID, req)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotRedeemable):
			writeError(w, http.StatusConflict, models.ErrNotRedeemable.Error())
		case errors.Is(err, ErrNotFound):
			writeError(w, http.StatusNotFound, "card not found")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// stats serves the dashboard aggregate for one program. The dashboard's
// realtime channel re-fetches this view on scan inserts rather than merging
// increments client-side.
func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	programID := r.URL.Query().Get("company_id")
	if programID == "" {
		writeError(w, http.StatusBadRequest, "company_id required")
		return
	}
	stats, err := a.service.Stats(programID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

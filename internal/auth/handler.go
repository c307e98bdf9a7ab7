package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"tube-backend/internal/media"
)

const (
	defaultMaxJSONBodyBytes = 16 << 10
	defaultMaxUploadBytes   = 10 << 20
)

type HandlerConfig struct {
	CookieSecure   bool
	MaxBodyBytes   int64
	MaxUploadBytes int64
}

type Handler struct {
	service        *Service
	cookieSecure   bool
	maxBodyBytes   int64
	maxUploadBytes int64
}

func NewHandler(service *Service, cfg HandlerConfig) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxJSONBodyBytes
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}

	return &Handler{
		service:        service,
		cookieSecure:   cfg.CookieSecure,
		maxBodyBytes:   cfg.MaxBodyBytes,
		maxUploadBytes: cfg.MaxUploadBytes,
	}
}

// Routes mounts the user routes under /api/v1/users. The limiter guards
// login only.
func (h *Handler) Routes(mux *http.ServeMux, limiter *LoginRateLimiter) {
	gate := func(fn http.HandlerFunc) http.Handler {
		return Middleware(h.service, fn)
	}

	login := http.Handler(http.HandlerFunc(h.Login))
	if limiter != nil {
		login = limiter.Middleware(login)
	}

	mux.HandleFunc("POST /api/v1/users/register", h.RegisterUser)
	mux.Handle("POST /api/v1/users/login", login)
	mux.HandleFunc("POST /api/v1/users/refresh-token", h.Refresh)
	mux.Handle("POST /api/v1/users/logout", gate(h.Logout))
	mux.Handle("POST /api/v1/users/change-password", gate(h.ChangePassword))
	mux.Handle("GET /api/v1/users/current-user", gate(h.CurrentUser))
	mux.Handle("PATCH /api/v1/users/update-account", gate(h.UpdateAccount))
	mux.Handle("PATCH /api/v1/users/avatar", gate(h.UpdateAvatar))
	mux.Handle("PATCH /api/v1/users/cover-image", gate(h.UpdateCoverImage))
}

type loginRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

type updateAccountRequest struct {
	FullName string `json:"fullname"`
	Email    string `json:"email"`
}

func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 2*h.maxUploadBytes+h.maxBodyBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	avatar, err := media.ReadImage(r, "avatar", h.maxUploadBytes)
	if err != nil {
		writeMediaError(w, err)
		return
	}
	cover, err := media.ReadImage(r, "coverImage", h.maxUploadBytes)
	if err != nil {
		writeMediaError(w, err)
		return
	}

	profile, err := h.service.Register(r.Context(), RegisterInput{
		Username:   r.FormValue("username"),
		Email:      r.FormValue("email"),
		FullName:   r.FormValue("fullname"),
		Password:   r.FormValue("password"),
		Avatar:     avatar,
		CoverImage: cover,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, profile)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !h.decodeJSON(w, r, &body) {
		return
	}

	session, err := h.service.Login(r.Context(), Credentials{
		Username: body.Username,
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.setSessionCookies(w, session.TokenPair)
	writeJSON(w, http.StatusOK, session)
}

// Refresh reads the refresh token from its cookie and falls back to the
// JSON body.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	presented := ""
	if cookie, err := r.Cookie(refreshTokenCookie); err == nil {
		presented = strings.TrimSpace(cookie.Value)
	}

	if presented == "" {
		var body refreshRequest
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		presented = body.RefreshToken
	}

	pair, err := h.service.Refresh(r.Context(), presented)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.setSessionCookies(w, pair)
	writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
		return
	}

	if err := h.service.Logout(r.Context(), user.ID); err != nil {
		writeServiceError(w, err)
		return
	}

	h.clearSessionCookies(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "user logged out"})
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
		return
	}

	var body changePasswordRequest
	if !h.decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ChangePassword(r.Context(), user.ID, body.OldPassword, body.NewPassword); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "password changed"})
}

func (h *Handler) CurrentUser(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
		return
	}

	var body updateAccountRequest
	if !h.decodeJSON(w, r, &body) {
		return
	}

	profile, err := h.service.UpdateAccount(r.Context(), user.ID, body.FullName, body.Email)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) UpdateAvatar(w http.ResponseWriter, r *http.Request) {
	h.updateMedia(w, r, "avatar", h.service.UpdateAvatar)
}

func (h *Handler) UpdateCoverImage(w http.ResponseWriter, r *http.Request) {
	h.updateMedia(w, r, "coverImage", h.service.UpdateCoverImage)
}

func (h *Handler) updateMedia(w http.ResponseWriter, r *http.Request, field string, update func(context.Context, string, *media.File) (Profile, error)) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+h.maxBodyBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	file, err := media.ReadImage(r, field, h.maxUploadBytes)
	if err != nil {
		writeMediaError(w, err)
		return
	}

	profile, err := update(r.Context(), user.ID, file)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func (h *Handler) setSessionCookies(w http.ResponseWriter, pair TokenPair) {
	now := time.Now()
	http.SetCookie(w, h.cookie(accessTokenCookie, pair.AccessToken, pair.AccessTokenExpiresAt.Sub(now)))
	http.SetCookie(w, h.cookie(refreshTokenCookie, pair.RefreshToken, pair.RefreshTokenExpiresAt.Sub(now)))
}

func (h *Handler) clearSessionCookies(w http.ResponseWriter) {
	http.SetCookie(w, h.cookie(accessTokenCookie, "", -1))
	http.SetCookie(w, h.cookie(refreshTokenCookie, "", -1))
}

func (h *Handler) cookie(name, value string, ttl time.Duration) *http.Cookie {
	maxAge := -1
	if ttl > 0 {
		maxAge = int(ttl.Seconds())
	}

	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	if status == http.StatusInternalServerError {
		sentry.CaptureException(err)
	}
	writeError(w, status, PublicMessage(err))
}

func writeMediaError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, media.ErrFileTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, media.ErrNotImage), errors.Is(err, media.ErrEmptyFile):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusBadRequest, "invalid file upload")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

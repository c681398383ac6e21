package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
	oauthStateCookie  = "oauth_state"
)

type GoogleUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
}

// oauthState round-trips through Google. The CSRF token is also set as a
// cookie and the two must match on callback.
type oauthState struct {
	CSRFToken string `json:"csrf_token"`
	IssuedAt  int64  `json:"iat"`
}

func (s *Server) googleOAuthConfig() (*oauth2.Config, error) {
	g := s.cfg.Google
	if !g.Enabled() {
		return nil, errors.New("Google OAuth not configured")
	}
	return &oauth2.Config{
		ClientID:     g.ClientID,
		ClientSecret: g.ClientSecret,
		RedirectURL:  g.RedirectURL,
		Scopes: []string{
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		},
		Endpoint: google.Endpoint,
	}, nil
}

func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func encodeOAuthState(state oauthState) (string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeOAuthState(encoded string) (oauthState, error) {
	var state oauthState
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return state, err
	}
	err = json.Unmarshal(raw, &state)
	return state, err
}

func (s *Server) handleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.googleOAuthConfig()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	csrf, err := generateCSRFToken()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	state, err := encodeOAuthState(oauthState{CSRFToken: csrf, IssuedAt: time.Now().Unix()})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    csrf,
		Path:     "/api/auth/google",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, cfg.AuthCodeURL(state, oauth2.AccessTypeOnline), http.StatusTemporaryRedirect)
}

func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.googleOAuthConfig()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	frontendCallbackURL := s.cfg.Google.FrontendCallbackURL

	redirectWithError := func(code string) {
		if frontendCallbackURL == "" {
			respondCode(w, http.StatusBadRequest, code, "google sign-in failed")
			return
		}
		http.Redirect(w, r, frontendCallbackURL+"?"+url.Values{"error": {code}}.Encode(), http.StatusTemporaryRedirect)
	}

	q := r.URL.Query()
	state, err := decodeOAuthState(q.Get("state"))
	if err != nil || state.CSRFToken == "" {
		redirectWithError("invalid_state")
		return
	}
	if cookie, err := r.Cookie(oauthStateCookie); err != nil || cookie.Value != state.CSRFToken {
		redirectWithError("invalid_state")
		return
	}
	if time.Since(time.Unix(state.IssuedAt, 0)) > 10*time.Minute {
		redirectWithError("state_expired")
		return
	}
	if q.Get("error") != "" {
		redirectWithError("oauth_error")
		return
	}
	code := q.Get("code")
	if code == "" {
		redirectWithError("missing_code")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		log.Warn().Err(err).Msg("google token exchange failed")
		redirectWithError("token_exchange_failed")
		return
	}
	info, err := fetchGoogleUserInfo(ctx, cfg, token)
	if err != nil {
		log.Warn().Err(err).Msg("google userinfo failed")
		redirectWithError("get_user_info_failed")
		return
	}
	if !info.VerifiedEmail {
		redirectWithError("email_not_verified")
		return
	}

	user, isNew, err := s.svc.GetOrCreateUserByGoogleID(ctx, info.ID, info.Email, info.Name)
	if err != nil {
		log.Error().Err(err).Msg("google sign-in: resolve user")
		redirectWithError("create_user_failed")
		return
	}
	jwtToken, err := s.generateJWT(user)
	if err != nil {
		redirectWithError("token_generation_failed")
		return
	}

	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Path: "/api/auth/google", MaxAge: -1})
	if frontendCallbackURL != "" {
		v := url.Values{"token": {jwtToken}, "is_new_user": {boolString(isNew)}}
		http.Redirect(w, r, frontendCallbackURL+"?"+v.Encode(), http.StatusTemporaryRedirect)
		return
	}
	respondJSON(w, http.StatusOK, authResponse{Token: jwtToken, User: user, IsNewUser: isNew})
}

func fetchGoogleUserInfo(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token) (GoogleUserInfo, error) {
	var info GoogleUserInfo
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, googleUserInfoURL, nil)
	if err != nil {
		return info, err
	}
	resp, err := cfg.Client(ctx, token).Do(req)
	if err != nil {
		return info, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return info, errors.New("userinfo: unexpected status " + resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return info, err
	}
	if info.ID == "" || info.Email == "" {
		return info, errors.New("userinfo: missing id or email")
	}
	return info, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

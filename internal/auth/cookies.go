package auth

import (
	"net/http"
)

// CookieConfig holds cookie configuration settings
type CookieConfig struct {
	TokenName   string // Device token cookie, e.g. "gh_token"
	SessionName string // Server-side session id cookie
	Secure      bool   // HTTPS only
}

// SetDeviceTokenCookie stores the opaque device token in an httpOnly cookie.
// The token is the credential; it is never readable from script.
func SetDeviceTokenCookie(w http.ResponseWriter, token string, maxAge int, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     config.TokenName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearDeviceTokenCookie deletes the device token cookie
func ClearDeviceTokenCookie(w http.ResponseWriter, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     config.TokenName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// GetDeviceTokenCookie retrieves the device token from cookies
func GetDeviceTokenCookie(r *http.Request, config CookieConfig) (string, error) {
	cookie, err := r.Cookie(config.TokenName)
	if err != nil {
		return "", err
	}
	return cookie.Value, nil
}

// SetSessionCookie stores the server-side session id
func SetSessionCookie(w http.ResponseWriter, sessionID string, maxAge int, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     config.SessionName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie deletes the session id cookie
func ClearSessionCookie(w http.ResponseWriter, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     config.SessionName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// GetSessionCookie retrieves the session id from cookies
func GetSessionCookie(r *http.Request, config CookieConfig) (string, error) {
	cookie, err := r.Cookie(config.SessionName)
	if err != nil {
		return "", err
	}
	return cookie.Value, nil
}

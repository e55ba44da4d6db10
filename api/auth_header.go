package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

// tokenCookieName is the cookie set by the local login endpoint.
const tokenCookieName = "token"

const bearerScheme = "Bearer "

// credentialFromRequest returns the Authorization header, falling back to
// the session cookie presented as a bearer credential.
func credentialFromRequest(r *http.Request) string {
	if h := r.Header.Get(echo.HeaderAuthorization); h != "" {
		return h
	}
	if c, err := r.Cookie(tokenCookieName); err == nil && c.Value != "" {
		return bearerScheme + c.Value
	}
	return ""
}

// bearerToken extracts a compact JWT from an Authorization value.
func bearerToken(raw string) (string, error) {
	raw = strings.Trim(raw, " ")
	if raw == "" {
		return "", errMissingAuthorization
	}
	token, ok := strings.CutPrefix(raw, bearerScheme)
	if !ok || token == "" || strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}

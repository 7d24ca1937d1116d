// ABOUTME: HTTP credential extraction shared by the MCP HTTP and WebSocket transports
// ABOUTME: Accepts a path token, a token query parameter, or an Authorization bearer header

package auth

import (
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// CredentialFromRequest returns the credential presented on r, or "" if none.
// Priority: path token under pathPrefix (e.g. /mcp/<token>), then the "token"
// query parameter, then the Authorization bearer header. ok is false when a
// path token is malformed.
func CredentialFromRequest(r *http.Request, pathPrefix string) (credential string, ok bool) {
	if pathPrefix != "" {
		prefix := strings.TrimRight(pathPrefix, "/") + "/"
		if pathToken := strings.TrimPrefix(r.URL.Path, prefix); pathToken != r.URL.Path && pathToken != "" {
			pathToken = strings.TrimRight(pathToken, "/")
			if strings.Contains(pathToken, "/") {
				return "", false
			}
			return pathToken, true
		}
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}

	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		return "", true
	}
	return token, true
}

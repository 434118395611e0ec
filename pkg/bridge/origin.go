package bridge

import "strings"

var localhostOrigins = []string{
	"http://localhost",
	"https://localhost",
	"http://127.0.0.1",
	"https://127.0.0.1",
	"http://[::1]",
	"https://[::1]",
}

// isOriginAllowed checks an Origin header against the allow-list. Requests
// without an Origin come from non-browser clients and are let through.
func (h *Handler) isOriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || matchOrigin(allowed, origin) {
			return true
		}
	}
	return false
}

func matchOrigin(allowed, origin string) bool {
	if allowed == origin {
		return true
	}
	return isLocalhostPattern(allowed) && isLocalhostOrigin(origin)
}

func isLocalhostPattern(allowed string) bool {
	for _, p := range localhostOrigins {
		if allowed == p {
			return true
		}
	}
	return false
}

// isLocalhostOrigin also matches localhost origins with a port.
func isLocalhostOrigin(origin string) bool {
	for _, p := range localhostOrigins {
		if origin == p || strings.HasPrefix(origin, p+":") {
			return true
		}
	}
	return false
}

// Package clientid derives a request's {client_id, group} identity (C12)
// from a JWT claim path or an HTTP header, independently per field, and
// enforces an optional allowed-groups list.
package clientid

import (
	"errors"
	"strings"
)

// ErrMissingClientID is returned when identification is enabled and the
// configured source yields nothing.
var ErrMissingClientID = errors.New("missing_client_id")

// ErrUnauthorizedGroup is returned when allowed_groups is non-empty and the
// resolved group is absent or not in the allowed set.
var ErrUnauthorizedGroup = errors.New("unauthorized_group")

// Source configures where one field (client_id or group) is read from.
type Source struct {
	// ClaimPath is a dotted path into the JWT's claim map, e.g. "org.id".
	// Empty means "not sourced from claims".
	ClaimPath string
	// Header is an HTTP header name. Empty means "not sourced from headers".
	Header string
}

// Config controls client identification behavior.
type Config struct {
	Enabled       bool
	ClientID      Source
	Group         Source
	AllowedGroups []string
}

// Identity is the resolved request identity.
type Identity struct {
	ClientID string
	Group    string // empty means "no group"
}

// Resolve derives an Identity from JWT claims (a generic claim map, since
// claims can be nested objects) and HTTP headers. CORS preflight requests
// must not call Resolve at all — bypassing this middleware entirely is the
// caller's responsibility (see spec invariant on OPTIONS bypass).
func Resolve(cfg Config, claims map[string]any, headers map[string]string) (Identity, error) {
	if !cfg.Enabled {
		return Identity{}, nil
	}

	clientID := extract(cfg.ClientID, claims, headers)
	if clientID == "" {
		return Identity{}, ErrMissingClientID
	}

	group := extract(cfg.Group, claims, headers)

	if len(cfg.AllowedGroups) > 0 {
		if group == "" || !contains(cfg.AllowedGroups, group) {
			return Identity{}, ErrUnauthorizedGroup
		}
	}

	return Identity{ClientID: clientID, Group: group}, nil
}

func extract(src Source, claims map[string]any, headers map[string]string) string {
	if src.ClaimPath != "" {
		if v, ok := claimAtPath(claims, src.ClaimPath); ok {
			return v
		}
	}
	if src.Header != "" {
		return headers[src.Header]
	}
	return ""
}

// claimAtPath walks a dotted path into a nested claim map, e.g. "org.id"
// reaches claims["org"].(map[string]any)["id"].
func claimAtPath(claims map[string]any, path string) (string, bool) {
	parts := strings.Split(path, ".")
	var cur any = claims
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[p]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	return s, ok
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

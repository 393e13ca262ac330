package tokens

import (
	"slices"
	"strings"

	"github.com/pipster/pipster-identity/internal/registry"
)

// parseScopes splits a space-delimited scope string, dropping duplicates
// and keeping first-seen order.
func parseScopes(raw string) []string {
	var out []string

	for _, s := range strings.Fields(raw) {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}

	return out
}

func hasScope(scopes []string, name string) bool {
	return slices.Contains(scopes, name)
}

// requiresOpenID reports whether scopes include an identity scope that
// only makes sense alongside openid.
func requiresOpenID(catalog *registry.Catalog, scopes []string) bool {
	for _, s := range scopes {
		if s != registry.ScopeOpenID && s != registry.ScopeOfflineAccess && catalog.IsIdentity(s) {
			return true
		}
	}

	return false
}

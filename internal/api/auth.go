package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type authSets struct {
	api      map[string]bool
	reviewer map[string]bool
	model    map[string]bool
	grants   map[string]Grant
}

func newAuthSets(keys AuthKeys) authSets {
	return authSets{
		api:      toSet(keys.API),
		reviewer: toSet(keys.Reviewer),
		model:    toSet(keys.Model),
		grants:   keys.Grants,
	}
}

func toSet(keys []string) map[string]bool {
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k != "" {
			out[k] = true
		}
	}
	return out
}

// requireKey authenticates against one key class. Key comes from either
// the Authorization bearer token or the X-API-Key header. A key that is
// valid for a different class gets 403, an unknown key gets 401.
func (s *Server) requireKey(set map[string]bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := bearerToken(r)
		if key == "" {
			key = r.Header.Get("X-API-Key")
		}
		if key == "" || !matchKey(set, key) {
			if key != "" && s.auth.knownKey(key) {
				writeError(w, http.StatusForbidden, "forbidden", "key not allowed on this route")
				return
			}
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid key")
			return
		}
		next.ServeHTTP(w, r.WithContext(withGrant(r.Context(), s.auth.grants[key])))
	})
}

type contextKey int

const grantContextKey contextKey = iota

func withGrant(ctx context.Context, g Grant) context.Context {
	return context.WithValue(ctx, grantContextKey, g)
}

// grantFrom returns the billing identity the auth middleware attached;
// zero Grant for unmapped keys.
func grantFrom(ctx context.Context) Grant {
	g, _ := ctx.Value(grantContextKey).(Grant)
	return g
}

// knownKey reports whether the key belongs to any class.
func (a authSets) knownKey(key string) bool {
	return matchKey(a.api, key) || matchKey(a.reviewer, key) || matchKey(a.model, key)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// matchKey compares in constant time per candidate.
func matchKey(set map[string]bool, key string) bool {
	for candidate := range set {
		if len(candidate) == len(key) &&
			subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

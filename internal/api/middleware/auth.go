package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/martinseidl/gridflow/internal/api/response"
	"github.com/martinseidl/gridflow/internal/store"
	"github.com/martinseidl/gridflow/internal/urlsign"
	"github.com/martinseidl/gridflow/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefixLen = 8

var errInvalidKey = errors.New("invalid api key")

// Auth authenticates requests either by bearer API key or, on routes that
// allow it, by a signed URL. Both strategies resolve to a user id in the
// request context.
type Auth struct {
	store  store.Store
	signer *urlsign.Signer
}

// NewAuth creates the auth middleware.
func NewAuth(s store.Store, signer *urlsign.Signer) *Auth {
	return &Auth{store: s, signer: signer}
}

// Authenticate requires a valid bearer API key and sets user_id and
// key_prefix in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		ctx, ok := a.bearerContext(w, r, rawKey)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AuthenticateOrSigned tries bearer authentication first when an
// Authorization header is present, otherwise verifies the request URL's
// signed query. Signed requests carry no key prefix, so they bypass per-key
// rate limiting.
func (a *Auth) AuthenticateOrSigned(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rawKey := extractBearerToken(r); rawKey != "" {
			ctx, ok := a.bearerContext(w, r, rawKey)
			if !ok {
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		claims, err := a.signer.Verify(r.URL.RequestURI())
		if errors.Is(err, urlsign.ErrExpired) {
			response.Error(w, http.StatusUnauthorized,
				"URL_EXPIRED", "Signed URL has expired", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_SIGNATURE", "Missing bearer token or valid signed URL", nil)
			return
		}

		// The signature only proves possession; the user must still exist.
		if _, err := a.store.GetUser(r.Context(), claims.UserID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusUnauthorized,
					"INVALID_SIGNATURE", "Signed URL user is unknown", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to resolve signed URL user", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(SetUserID(r.Context(), claims.UserID)))
	})
}

func (a *Auth) bearerContext(w http.ResponseWriter, r *http.Request, rawKey string) (context.Context, bool) {
	key, err := a.matchKey(r.Context(), rawKey)
	if errors.Is(err, errInvalidKey) {
		response.Error(w, http.StatusUnauthorized,
			"INVALID_TOKEN", "Invalid API key", nil)
		return nil, false
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError,
			"INTERNAL_ERROR", "Failed to validate API key", nil)
		return nil, false
	}

	ctx := SetUserID(r.Context(), key.UserID)
	ctx = SetKeyPrefix(ctx, key.KeyPrefix)
	return ctx, true
}

// matchKey resolves a raw API key to its record by prefix lookup plus bcrypt
// comparison.
func (a *Auth) matchKey(ctx context.Context, rawKey string) (*models.APIKey, error) {
	if len(rawKey) < keyPrefixLen {
		return nil, errInvalidKey
	}

	keys, err := a.store.GetAPIKeyByPrefix(ctx, rawKey[:keyPrefixLen])
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) == nil {
			// Update last_used_at async
			go a.store.UpdateAPIKeyLastUsed(context.Background(), key.ID)
			return key, nil
		}
	}
	return nil, errInvalidKey
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

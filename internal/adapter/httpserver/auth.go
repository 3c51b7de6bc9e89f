package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/fairyhunter13/agentboard/internal/domain"
)

// Argon2Params defines parameters for Argon2id password hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashPassword creates an Argon2id hash of the password.
func HashPassword(password string) (string, error) {
	p := defaultArgon2Params
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLen)
	// Format: argon2id$iterations$memory$parallelism$salt$hash
	return fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		p.Iterations, p.Memory, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword verifies a password against its Argon2id hash.
func VerifyPassword(password, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := parseUint32(parts[1])
	mem, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	actual := argon2.IDKey([]byte(password), salt, iters, mem, par, defaultArgon2Params.KeyLen)
	return subtle.ConstantTimeCompare(actual, expected) == 1
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

// TokenIssuer signs and validates bearer tokens. A token is
// base64url(user_id:expires_unix).signature; the same token serves browser
// and worker clients.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer from the configured secret and TTL.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue returns a signed token for the user.
func (ti *TokenIssuer) Issue(userID string) string {
	payload := fmt.Sprintf("%s:%d", userID, time.Now().Add(ti.ttl).Unix())
	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return encoded + "." + ti.sign(encoded)
}

// Validate checks signature and expiry and returns the user id.
func (ti *TokenIssuer) Validate(token string) (string, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return "", fmt.Errorf("op=auth.validate: %w: malformed token", domain.ErrUnauthorized)
	}
	if subtle.ConstantTimeCompare([]byte(ti.sign(encoded)), []byte(sig)) != 1 {
		return "", fmt.Errorf("op=auth.validate: %w: bad signature", domain.ErrUnauthorized)
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("op=auth.validate: %w: bad payload", domain.ErrUnauthorized)
	}
	userID, expStr, ok := strings.Cut(string(raw), ":")
	if !ok || userID == "" {
		return "", fmt.Errorf("op=auth.validate: %w: bad payload", domain.ErrUnauthorized)
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil || time.Now().Unix() >= exp {
		return "", fmt.Errorf("op=auth.validate: %w: token expired", domain.ErrUnauthorized)
	}
	return userID, nil
}

func (ti *TokenIssuer) sign(payload string) string {
	mac := hmac.New(sha256.New, ti.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

type userIDKey struct{}

// UserIDFrom returns the authenticated user id attached by AuthRequired.
func UserIDFrom(ctx context.Context) string {
	if v := ctx.Value(userIDKey{}); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// ContextWithUserID attaches an authenticated user id; exported for tests.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// AuthRequired validates the bearer token (Authorization header, or the
// token query parameter for EventSource clients that cannot set headers).
func AuthRequired(ti *TokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ""
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				token = strings.TrimPrefix(h, "Bearer ")
			} else if q := r.URL.Query().Get("token"); q != "" {
				token = q
			}
			if token == "" {
				writeError(w, r, fmt.Errorf("op=auth: %w: missing bearer token", domain.ErrUnauthorized), nil)
				return
			}
			userID, err := ti.Validate(token)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), userID)))
		})
	}
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// LoginHandler exchanges username/password for a signed bearer token.
func LoginHandler(users domain.UserRepository, ti *TokenIssuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("op=auth.login: %w: bad json", domain.ErrInvalidArgument), nil)
			return
		}
		if req.Username == "" || req.Password == "" {
			writeError(w, r, fmt.Errorf("op=auth.login: %w: username and password required", domain.ErrInvalidArgument), nil)
			return
		}
		user, err := users.GetByName(r.Context(), req.Username)
		if err != nil || !VerifyPassword(req.Password, user.PasswordHash) {
			// Same response for unknown user and bad password.
			writeError(w, r, fmt.Errorf("op=auth.login: %w: bad credentials", domain.ErrUnauthorized), nil)
			return
		}
		writeJSON(w, http.StatusOK, loginResponse{Token: ti.Issue(user.ID), UserID: user.ID})
	}
}

package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/venrok/gateway/internal/httpx"
)

const refreshTokenType = "refresh"

// ErrInvalidToken is returned for every verification failure. Callers cannot
// distinguish a malformed token from an expired one.
var ErrInvalidToken = httpx.NewError(httpx.KindUnauthorized, "invalid or expired token")

// TokenService issues and verifies HMAC-signed compact JWTs. It is stateless
// apart from the signing secret.
type TokenService struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokenService(secret []byte, accessTTL, refreshTTL time.Duration) *TokenService {
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &TokenService{
		secret:     secret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Issue mints an access/refresh pair for the user. The access token carries
// the full principal claims; the refresh token carries only the subject and a
// type=refresh marker.
func (s *TokenService) Issue(u User) (TokenPair, error) {
	access, err := s.IssueAccess(u)
	if err != nil {
		return TokenPair{}, err
	}

	now := s.now()
	refresh := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  u.ID,
		"type": refreshTokenType,
		"iat":  now.Unix(),
		"exp":  now.Add(s.refreshTTL).Unix(),
	})
	refreshStr, err := refresh.SignedString(s.secret)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refreshStr}, nil
}

// IssueAccess mints a short-lived access token for the user.
func (s *TokenService) IssueAccess(u User) (string, error) {
	now := s.now()
	roles := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		roles = append(roles, string(r))
	}
	perms := make([]string, 0, len(u.Permissions))
	for _, p := range u.Permissions {
		perms = append(perms, string(p))
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":         u.ID,
		"username":    u.Username,
		"email":       u.Email,
		"roles":       roles,
		"permissions": perms,
		"iat":         now.Unix(),
		"exp":         now.Add(s.accessTTL).Unix(),
	})
	return tok.SignedString(s.secret)
}

// Verify validates an access token and constructs the principal. Refresh
// tokens are rejected here; they are only accepted by VerifyRefresh.
func (s *TokenService) Verify(tokenStr string) (Principal, error) {
	claims, err := s.parse(tokenStr)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	if typ, _ := claims["type"].(string); typ == refreshTokenType {
		return Principal{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	username, _ := claims["username"].(string)
	if sub == "" || username == "" {
		return Principal{}, ErrInvalidToken
	}
	email, _ := claims["email"].(string)

	roles := make([]Role, 0, 2)
	for _, r := range claimStrings(claims["roles"]) {
		roles = append(roles, ParseRole(r))
	}
	direct := make([]Permission, 0, 4)
	for _, p := range claimStrings(claims["permissions"]) {
		direct = append(direct, Permission(p))
	}

	return Principal{
		Subject:     sub,
		Username:    username,
		Email:       email,
		Roles:       roles,
		Permissions: EffectivePermissions(roles, direct),
	}, nil
}

// VerifyRefresh validates a refresh token and returns its subject.
func (s *TokenService) VerifyRefresh(tokenStr string) (string, error) {
	claims, err := s.parse(tokenStr)
	if err != nil {
		return "", ErrInvalidToken
	}
	if typ, _ := claims["type"].(string); typ != refreshTokenType {
		return "", ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}

func (s *TokenService) parse(tokenStr string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	tok, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil || tok == nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func claimStrings(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, it := range t {
			if s, ok := it.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	default:
		return nil
	}
}

// BearerToken extracts the bearer portion of the Authorization header.
// The "Bearer" scheme is matched case-sensitively.
func BearerToken(r *http.Request) (string, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" || !strings.HasPrefix(authz, "Bearer ") {
		return "", httpx.NewError(httpx.KindUnauthorized, "missing bearer token")
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer ")), nil
}

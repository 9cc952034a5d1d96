package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

const (
	tokenIssuer  = "bitcell-ceremony"
	roleOperator = "operator"
)

// OperatorClaims are the claims of an operator token.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// AuthService issues and validates operator tokens. Tokens are HS256 JWTs
// signed with the operator secret shared by the daemon and its operators.
type AuthService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthService returns nil when secret is empty; operator endpoints are
// then disabled.
func NewAuthService(secret string, ttl time.Duration) *AuthService {
	if secret == "" {
		return nil
	}
	return &AuthService{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// IssueToken signs a token for the named operator.
func (a *AuthService) IssueToken(operator string) (string, time.Time, error) {
	if a == nil {
		return "", time.Time{}, fmt.Errorf("%w: no operator secret configured", types.ErrUnauthorized)
	}
	if strings.TrimSpace(operator) == "" {
		return "", time.Time{}, fmt.Errorf("operator name is required")
	}
	now := a.now()
	expires := now.Add(a.ttl)
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Role: roleOperator,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

// ValidateToken parses and checks an operator token.
func (a *AuthService) ValidateToken(token string) (*OperatorClaims, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: operator endpoints are disabled", types.ErrUnauthorized)
	}
	claims := &OperatorClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUnauthorized, err)
	}
	if claims.Role != roleOperator {
		return nil, fmt.Errorf("%w: role %q may not operate the ceremony", types.ErrUnauthorized, claims.Role)
	}
	return claims, nil
}

// bearerToken extracts the token of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

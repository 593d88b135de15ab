package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

// Claims carried by access tokens
type Claims struct {
	UserID string     `json:"userId"`
	Role   types.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies HS256 access tokens
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

var _ interfaces.CredentialVerifier = (*Authenticator)(nil)

// NewAuthenticator creates an authenticator; an empty issuer disables the issuer check
func NewAuthenticator(secret, issuer string, ttl time.Duration) (*Authenticator, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Issue signs a token binding userID to role
func (a *Authenticator) Issue(userID string, role types.Role) (string, error) {
	now := a.now().UTC()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry and claims and returns the bound identity.
// Every failure is reported as ErrInvalidToken.
func (a *Authenticator) Verify(tokenString string) (types.Actor, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return types.Actor{}, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return types.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return types.Actor{}, ErrInvalidToken
	}
	if claims.UserID == "" || !types.IsValidRole(claims.Role) {
		return types.Actor{}, ErrInvalidToken
	}
	return types.Actor{UserID: claims.UserID, Role: claims.Role}, nil
}

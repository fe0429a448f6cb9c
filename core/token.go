package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenInvalid      = errors.New("token invalid")
	ErrUnrecognizedToken = errors.New("unrecognized token")
)

const tokenIssuer = "ephemeral"

// Identity is the authenticated user a connection or request acts as.
type Identity struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Photo    string `json:"photo"`
}

// IdentityVerifier turns a bearer credential into an Identity.
type IdentityVerifier interface {
	// VerifyIdentity returns an error wrapping ErrUnauthenticated when the credential
	// is missing, malformed, expired or signed with the wrong key.
	VerifyIdentity(ctx context.Context, credential string) (Identity, error)
}

type AuthClaims struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Photo    string `json:"photo,omitempty"`
	jwt.RegisteredClaims
}

func NewClaim(id Identity, exp time.Time) *AuthClaims {
	return &AuthClaims{
		UserID:   id.UserID,
		UserName: id.UserName,
		Photo:    id.Photo,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    tokenIssuer,
		},
	}
}

// NewToken signs an HS256 token for id. Token issuance belongs to the identity provider;
// it is used here by tests and local tooling.
func NewToken(id Identity, expiration time.Duration, secret []byte) (string, time.Time, error) {
	exp := time.Now().Add(expiration)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, NewClaim(id, exp))

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", exp, err
	}
	return signed, exp, nil
}

func VerifyToken(token string, secret []byte) (*AuthClaims, error) {
	claims := &AuthClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))

	switch {
	case err == nil && parsed != nil && parsed.Valid:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, ErrUnrecognizedToken
	}
}

// JWTVerifier verifies HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

func (v *JWTVerifier) VerifyIdentity(_ context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: missing credential", ErrUnauthenticated)
	}
	claims, err := VerifyToken(credential, v.secret)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: token has no userId", ErrUnauthenticated)
	}
	return Identity{UserID: claims.UserID, UserName: claims.UserName, Photo: claims.Photo}, nil
}

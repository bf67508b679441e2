// Package identity turns a presented credential into a verified user id.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoCredential      = errors.New("no credential")
	ErrInvalidCredential = errors.New("invalid credential")
)

// Resolver verifies a credential. Implementations never return an empty user
// id with a nil error.
type Resolver interface {
	Verify(ctx context.Context, credential string) (string, error)
}

type Config struct {
	Mode         string
	JWTSecret    string
	JWTIssuer    string
	JWTAudience  string
	StaticTokens string
}

func NewResolver(cfg Config) (Resolver, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", "jwt":
		return NewJWTResolver(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
	case "static":
		return ParseStaticTokens(cfg.StaticTokens)
	default:
		return nil, fmt.Errorf("unsupported identity mode %q", cfg.Mode)
	}
}

// JWTResolver accepts HS256 access tokens and reads the user id from "sub".
type JWTResolver struct {
	secret []byte
	opts   []jwt.ParserOption
}

func NewJWTResolver(secret, issuer, audience string) (*JWTResolver, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired()}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &JWTResolver{secret: []byte(secret), opts: opts}, nil
}

func (r *JWTResolver) Verify(_ context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", ErrNoCredential
	}
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(credential, &claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, r.opts...)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidCredential)
	}
	return claims.Subject, nil
}

// StaticResolver maps fixed tokens to users. Meant for local development.
type StaticResolver struct {
	tokens map[string]string
}

// ParseStaticTokens reads "token:user,token2:user2".
func ParseStaticTokens(spec string) (*StaticResolver, error) {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		tok, user, ok := strings.Cut(pair, ":")
		tok, user = strings.TrimSpace(tok), strings.TrimSpace(user)
		if !ok || tok == "" || user == "" {
			return nil, fmt.Errorf("invalid static token entry %q", pair)
		}
		tokens[tok] = user
	}
	if len(tokens) == 0 {
		return nil, errors.New("no static tokens configured")
	}
	return &StaticResolver{tokens: tokens}, nil
}

func (r *StaticResolver) Verify(_ context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", ErrNoCredential
	}
	user, ok := r.tokens[credential]
	if !ok {
		return "", ErrInvalidCredential
	}
	return user, nil
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

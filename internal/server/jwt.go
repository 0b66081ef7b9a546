package server

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dataflow-works/config-registry/internal/config"
	"github.com/dataflow-works/config-registry/pkg/identity"
)

// NewJWTPrincipalExtractor builds a PrincipalExtractor that reads the caller
// identity from JWT bearer tokens.
//
// Security model:
//   - With a public key configured, tokens are verified (RS256).
//   - Without one, tokens are parsed unverified, which is only acceptable
//     behind a trusted proxy that already validated them.
//   - Missing or unparseable tokens resolve to an anonymous viewer, so
//     operator access is denied by default.
func NewJWTPrincipalExtractor(cfg config.JWTConfig, logger *slog.Logger) (PrincipalExtractor, error) {
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = "role"
	}
	if cfg.OperatorRoleValue == "" {
		cfg.OperatorRoleValue = "operator"
	}
	if logger == nil {
		logger = slog.Default()
	}

	var publicKey *rsa.PublicKey
	if cfg.PublicKeyPath != "" {
		keyData, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read JWT public key %s: %w", cfg.PublicKeyPath, err)
		}
		block, _ := pem.Decode(keyData)
		if block == nil {
			return nil, fmt.Errorf("decode PEM block from %s", cfg.PublicKeyPath)
		}
		parsedKey, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse JWT public key: %w", err)
		}
		rsaKey, ok := parsedKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("JWT public key is not RSA (got %T)", parsedKey)
		}
		publicKey = rsaKey
		logger.Info("jwt auth: verifying tokens with RS256", "keyPath", cfg.PublicKeyPath)
	} else {
		logger.Warn("jwt auth: no public key configured, tokens parsed without verification")
	}

	return func(r *http.Request) identity.Principal {
		anonymous := identity.Principal{Name: anonymousActor, Role: string(RoleViewer)}

		token := bearerToken(r)
		if token == "" {
			return anonymous
		}
		claims, err := parseClaims(token, publicKey, cfg)
		if err != nil {
			logger.Debug("jwt parse failed, treating caller as anonymous viewer", "error", err)
			return anonymous
		}
		return identity.Principal{
			Name: subjectFromClaims(claims),
			Role: string(roleFromClaims(claims, cfg.RoleClaim, cfg.OperatorRoleValue)),
		}
	}, nil
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
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

// parseClaims parses and, when a key is configured, verifies a token.
func parseClaims(tokenString string, publicKey *rsa.PublicKey, cfg config.JWTConfig) (jwt.MapClaims, error) {
	parserOpts := []jwt.ParserOption{}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}

	var token *jwt.Token
	var err error

	if publicKey != nil {
		token, err = jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return publicKey, nil
		}, parserOpts...)
	} else {
		parser := jwt.NewParser(parserOpts...)
		token, _, err = parser.ParseUnverified(tokenString, jwt.MapClaims{})
	}

	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", token.Claims)
	}
	return claims, nil
}

// subjectFromClaims picks the audit identity from the usual subject claims.
func subjectFromClaims(claims jwt.MapClaims) string {
	for _, claim := range []string{"preferred_username", "sub"} {
		if v, ok := claims[claim].(string); ok && v != "" {
			return v
		}
	}
	return anonymousActor
}

// roleFromClaims walks the claim path (dot notation reaches nested claims)
// and maps the configured operator value to RoleOperator. Array claims grant
// operator when the value is present in the array.
func roleFromClaims(claims jwt.MapClaims, claimPath, operatorValue string) Role {
	parts := strings.Split(claimPath, ".")
	var current interface{} = map[string]interface{}(claims)

	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return RoleViewer
		}
		current, ok = m[part]
		if !ok {
			return RoleViewer
		}
	}

	if strVal, ok := current.(string); ok {
		if strings.EqualFold(strVal, operatorValue) {
			return RoleOperator
		}
		return RoleViewer
	}

	if arrVal, ok := current.([]interface{}); ok {
		for _, v := range arrVal {
			if s, ok := v.(string); ok && strings.EqualFold(s, operatorValue) {
				return RoleOperator
			}
		}
	}

	return RoleViewer
}

package auth

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the set of registered + custom claims the gateway inspects.
type Claims struct {
	jwt.RegisteredClaims
	Scope any `json:"scope,omitempty"` // string (space-separated) or []string
}

// Config controls issuer/audience/scope enforcement for JWT validation.
type Config struct {
	ExpectedIssuer   string
	ExpectedAudience string
	ScopesSupported  []string
}

var (
	// ErrMissingToken is returned when the Authorization header has no
	// bearer token attached (or is "Bearer" with no following token).
	ErrMissingToken = errors.New("auth: missing token")
	// ErrNotBearer is returned when the Authorization scheme isn't Bearer.
	ErrNotBearer = errors.New("auth: token must be prefixed with Bearer")
	// ErrUnauthorized covers signature/claim validation failures.
	ErrUnauthorized = errors.New("auth: unauthorized")
)

const bearerPrefixLen = 6 // len("bearer")

// ParseBearer extracts the raw token string from an Authorization header
// value. The scheme match is case-insensitive on "Bearer" per RFC 7235.
func ParseBearer(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	if len(header) > bearerPrefixLen &&
		strings.EqualFold(header[:bearerPrefixLen], "bearer") &&
		header[bearerPrefixLen] == ' ' {
		token := header[bearerPrefixLen+1:]
		if token == "" {
			return "", ErrMissingToken
		}
		return token, nil
	}
	if strings.EqualFold(header, "bearer") {
		return "", ErrMissingToken
	}
	return "", ErrNotBearer
}

// Validate checks a raw JWT against every key in the set and returns the
// claims of the first candidate that satisfies kid-match, valid signature,
// expiration, not-before, issuer, and audience. Every candidate is evaluated
// — the loop never returns early on a signature-only match — so that a
// caller cannot distinguish "wrong issuer" from "bad signature" by timing.
func Validate(rawToken string, set JWKSet, cfg Config) (*Claims, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(rawToken, &Claims{})
	if err != nil {
		return nil, ErrUnauthorized
	}
	tokenKid, _ := unverified.Header["kid"].(string)

	var validated *Claims

	for i := range set.Keys {
		jwk := &set.Keys[i]

		kidMatches := true
		if tokenKid != "" {
			kidMatches = jwk.KeyID != "" && jwk.KeyID == tokenKid
		}

		key, err := jwkToKey(jwk)
		if err != nil {
			continue
		}

		claims := &Claims{}
		parsed, err := jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (any, error) {
			return key, nil
		}, jwt.WithValidMethods(allowedMethods(jwk)))

		sigValid := err == nil && parsed.Valid
		issuerValid := validateIssuer(claims, cfg)
		audienceValid := validateAudience(claims, cfg)

		if kidMatches && sigValid && issuerValid && audienceValid && validated == nil {
			validated = claims
		}
	}

	if validated == nil {
		return nil, ErrUnauthorized
	}
	return validated, nil
}

// CheckScopes enforces that the token's scope claim (string or []string) is
// entirely contained in the configured scopes_supported list. An empty
// ScopesSupported disables the check.
func CheckScopes(claims *Claims, cfg Config) bool {
	if len(cfg.ScopesSupported) == 0 {
		return true
	}
	allowed := make(map[string]struct{}, len(cfg.ScopesSupported))
	for _, s := range cfg.ScopesSupported {
		allowed[s] = struct{}{}
	}

	for _, scope := range tokenScopes(claims) {
		if _, ok := allowed[scope]; !ok {
			return false
		}
	}
	return true
}

func tokenScopes(claims *Claims) []string {
	switch v := claims.Scope.(type) {
	case string:
		fields := strings.Fields(v)
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		return fields
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	default:
		return nil
	}
}

func validateIssuer(claims *Claims, cfg Config) bool {
	if cfg.ExpectedIssuer == "" {
		return true
	}
	iss, err := claims.GetIssuer()
	return err == nil && iss == cfg.ExpectedIssuer
}

func validateAudience(claims *Claims, cfg Config) bool {
	if cfg.ExpectedAudience == "" {
		return true
	}
	aud, err := claims.GetAudience()
	if err != nil {
		return false
	}
	for _, a := range aud {
		if a == cfg.ExpectedAudience {
			return true
		}
	}
	return false
}

// allowedMethods restricts signature verification to the algorithm family
// implied by the JWK's kty/crv, preventing algorithm-confusion attacks.
func allowedMethods(jwk *JWK) []string {
	switch jwk.KeyType {
	case "oct":
		return []string{"HS256", "HS384", "HS512"}
	case "RSA":
		return []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}
	case "EC":
		return []string{"ES256", "ES384", "ES512"}
	case "OKP":
		return []string{"EdDSA"}
	default:
		return nil
	}
}

func jwkToKey(jwk *JWK) (any, error) {
	switch jwk.KeyType {
	case "oct":
		k, ok := strField(jwk, "k")
		if !ok {
			return nil, errors.New("auth: missing oct key material")
		}
		return base64URLDecode(k)
	case "RSA":
		return rsaPublicKey(jwk)
	case "EC":
		return ecPublicKey(jwk)
	case "OKP":
		return ed25519PublicKey(jwk)
	default:
		return nil, errors.New("auth: unsupported kty " + jwk.KeyType)
	}
}

func strField(jwk *JWK, name string) (string, bool) {
	v, ok := jwk.Raw()[name].(string)
	return v, ok
}

func base64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

func rsaPublicKey(jwk *JWK) (*rsa.PublicKey, error) {
	nStr, ok1 := strField(jwk, "n")
	eStr, ok2 := strField(jwk, "e")
	if !ok1 || !ok2 {
		return nil, errors.New("auth: rsa jwk missing n/e")
	}
	nBytes, err := base64URLDecode(nStr)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64URLDecode(eStr)
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func ecPublicKey(jwk *JWK) (*ecdsa.PublicKey, error) {
	crv, _ := strField(jwk, "crv")
	xStr, ok1 := strField(jwk, "x")
	yStr, ok2 := strField(jwk, "y")
	if !ok1 || !ok2 {
		return nil, errors.New("auth: ec jwk missing x/y")
	}
	xBytes, err := base64URLDecode(xStr)
	if err != nil {
		return nil, err
	}
	yBytes, err := base64URLDecode(yStr)
	if err != nil {
		return nil, err
	}

	var curve elliptic.Curve
	switch crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, errors.New("auth: unsupported ec curve " + crv)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

func ed25519PublicKey(jwk *JWK) (ed25519.PublicKey, error) {
	crv, _ := strField(jwk, "crv")
	if crv != "Ed25519" {
		return nil, errors.New("auth: unsupported okp curve " + crv)
	}
	xStr, ok := strField(jwk, "x")
	if !ok {
		return nil, errors.New("auth: okp jwk missing x")
	}
	return base64URLDecode(xStr)
}

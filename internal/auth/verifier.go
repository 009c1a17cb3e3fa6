// Package auth verifies bearer tokens and extracts tenant and role claims.
package auth

import (
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Modes understood by NewVerifier.
const (
	ModeDev  = "dev"  // token is "tenant:role", no signature
	ModeHMAC = "hmac" // HS256 JWT
	ModeJWKS = "jwks" // RS256 JWT, keys fetched from a JWKS URL
)

var (
	ErrMalformed    = errors.New("malformed token")
	ErrBadSignature = errors.New("bad signature")
	ErrExpired      = errors.New("token expired")
)

// Verifier validates tokens for one mode.
type Verifier struct {
	Mode        string
	HMACSecret  []byte
	JWKSURL     string
	TenantClaim string
	RoleClaim   string

	http      *http.Client
	now       func() time.Time
	mu        sync.RWMutex
	jwks      jwks
	lastFetch time.Time
	cacheTTL  time.Duration
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

type Principal struct {
	Tenant string
	Role   string
}

// NewVerifier checks that mode has what it needs; claim names default to
// "tenant" and "role".
func NewVerifier(mode, hmacSecret, jwksURL, tenantClaim, roleClaim string) (*Verifier, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	switch mode {
	case ModeDev:
	case ModeHMAC:
		if hmacSecret == "" {
			return nil, errors.New("hmac auth requires AUTH_HMAC_SECRET")
		}
	case ModeJWKS:
		if jwksURL == "" {
			return nil, errors.New("jwks auth requires AUTH_JWKS_URL")
		}
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
	if tenantClaim == "" {
		tenantClaim = "tenant"
	}
	if roleClaim == "" {
		roleClaim = "role"
	}
	return &Verifier{
		Mode:        mode,
		HMACSecret:  []byte(hmacSecret),
		JWKSURL:     jwksURL,
		TenantClaim: tenantClaim,
		RoleClaim:   roleClaim,
		http:        &http.Client{Timeout: 5 * time.Second},
		now:         time.Now,
		cacheTTL:    10 * time.Minute,
	}, nil
}

func (v *Verifier) Verify(token string) (Principal, error) {
	if v.Mode == ModeDev {
		tenant, role, ok := strings.Cut(token, ":")
		if !ok || tenant == "" || role == "" {
			return Principal{}, fmt.Errorf("%w: expected tenant:role", ErrMalformed)
		}
		return Principal{Tenant: tenant, Role: strings.ToLower(role)}, nil
	}
	segs := strings.Split(token, ".")
	if len(segs) != 3 {
		return Principal{}, ErrMalformed
	}
	headerJSON, err := b64urlDecode(segs[0])
	if err != nil {
		return Principal{}, ErrMalformed
	}
	payloadJSON, err := b64urlDecode(segs[1])
	if err != nil {
		return Principal{}, ErrMalformed
	}
	sig, err := b64urlDecode(segs[2])
	if err != nil {
		return Principal{}, ErrMalformed
	}
	var hdr struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerJSON, &hdr); err != nil {
		return Principal{}, ErrMalformed
	}
	var claims map[string]any
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return Principal{}, ErrMalformed
	}

	signingInput := []byte(segs[0] + "." + segs[1])
	switch v.Mode {
	case ModeHMAC:
		if hdr.Alg != "HS256" {
			return Principal{}, fmt.Errorf("unsupported alg %q for hmac", hdr.Alg)
		}
		mac := hmac.New(sha256.New, v.HMACSecret)
		mac.Write(signingInput)
		if !hmac.Equal(mac.Sum(nil), sig) {
			return Principal{}, ErrBadSignature
		}
	case ModeJWKS:
		if hdr.Alg != "RS256" {
			return Principal{}, fmt.Errorf("unsupported alg %q for jwks", hdr.Alg)
		}
		pub, err := v.getRSAPublicKey(hdr.Kid)
		if err != nil {
			return Principal{}, err
		}
		h := sha256.Sum256(signingInput)
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], sig); err != nil {
			return Principal{}, ErrBadSignature
		}
	}

	if exp, ok := claims["exp"].(float64); ok && v.now().Unix() >= int64(exp) {
		return Principal{}, ErrExpired
	}
	tenant, _ := claims[v.TenantClaim].(string)
	role, _ := claims[v.RoleClaim].(string)
	if tenant == "" {
		return Principal{}, errors.New("missing tenant claim")
	}
	if role == "" {
		role = "viewer"
	}
	return Principal{Tenant: tenant, Role: strings.ToLower(role)}, nil
}

func b64urlDecode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

// getRSAPublicKey looks kid up in the cached JWKS, refetching when stale.
func (v *Verifier) getRSAPublicKey(kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	cached := v.jwks
	stale := time.Since(v.lastFetch) > v.cacheTTL
	v.mu.RUnlock()
	if len(cached.Keys) == 0 || stale {
		if err := v.fetchJWKS(); err != nil {
			return nil, err
		}
		v.mu.RLock()
		cached = v.jwks
		v.mu.RUnlock()
	}
	for _, k := range cached.Keys {
		if k.Kid != kid || !strings.EqualFold(k.Kty, "RSA") {
			continue
		}
		nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, err
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, err
		}
		e := new(big.Int).SetBytes(eBytes)
		if !e.IsInt64() || e.Int64() > 1<<31-1 {
			return nil, errors.New("jwks exponent out of range")
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: int(e.Int64())}, nil
	}
	return nil, fmt.Errorf("kid %q not found in JWKS", kid)
}

func (v *Verifier) fetchJWKS() error {
	resp, err := v.http.Get(v.JWKSURL)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch JWKS: status %d", resp.StatusCode)
	}
	var j jwks
	if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
		return err
	}
	v.mu.Lock()
	v.jwks = j
	v.lastFetch = time.Now()
	v.mu.Unlock()
	return nil
}

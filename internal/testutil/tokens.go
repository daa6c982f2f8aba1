package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// TestIssuer is the issuer used by tokens built with [Claims].
const TestIssuer = "https://idp.test/realms/everest"

// GenerateRSAKey returns a fresh 2048-bit RSA key.
func GenerateRSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate RSA key pair")
	return key
}

// Claims returns a claim map for subject that is valid for an hour from
// now, issued by [TestIssuer], with the given roles.
func Claims(subject string, roles ...string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub":   subject,
		"iss":   TestIssuer,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"roles": roles,
	}
}

// SignToken signs claims with key using RS256 and sets the kid header.
// An empty kid leaves the header out.
func SignToken(t testing.TB, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	return SignTokenWith(t, jwt.SigningMethodRS256, key, kid, claims)
}

// SignTokenWith signs claims with an arbitrary method and key.
func SignTokenWith(t testing.TB, method jwt.SigningMethod, key any, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(key)
	require.NoError(t, err, "failed to sign token")
	return s
}

// JWKSServer is an httptest server publishing a mutable RSA key set.
type JWKSServer struct {
	*httptest.Server

	mu     sync.Mutex
	keys   map[string]*rsa.PublicKey
	status int
	hits   atomic.Int64
}

// NewJWKSServer starts a key-set server publishing keys. It is closed when
// the test ends.
func NewJWKSServer(t testing.TB, keys map[string]*rsa.PublicKey) *JWKSServer {
	t.Helper()
	s := &JWKSServer{keys: keys, status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// SetKeys replaces the published key set.
func (s *JWKSServer) SetKeys(keys map[string]*rsa.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = keys
}

// FailWith makes the server answer every request with status. Passing
// http.StatusOK restores normal behavior.
func (s *JWKSServer) FailWith(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Hits returns how many requests the server has received.
func (s *JWKSServer) Hits() int {
	return int(s.hits.Load())
}

func (s *JWKSServer) serve(w http.ResponseWriter, _ *http.Request) {
	s.hits.Add(1)

	s.mu.Lock()
	status, keys := s.status, s.keys
	s.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(JWKSDocument(keys))
}

// JWKSDocument renders keys in the published key-set JSON shape.
func JWKSDocument(keys map[string]*rsa.PublicKey) map[string]any {
	entries := make([]map[string]string, 0, len(keys))
	for kid, pub := range keys {
		entries = append(entries, map[string]string{
			"kty": "RSA",
			"kid": kid,
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return map[string]any{"keys": entries}
}

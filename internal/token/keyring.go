package token

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
)

// SigningKey is the single key used to sign new tokens.
type SigningKey struct {
	Kid     string
	Private *rsa.PrivateKey
}

// KeyRing is an immutable snapshot of the process-wide key material:
// one active signing key plus retained previous public keys accepted
// for verification only. Rings are replaced wholesale via an atomic
// pointer swap; a ring is never mutated after construction.
type KeyRing struct {
	active *SigningKey
	verify map[string]*rsa.PublicKey
	order  []string
}

func newKeyRing(active *SigningKey, retired map[string]*rsa.PublicKey, order []string) *KeyRing {
	verify := make(map[string]*rsa.PublicKey, len(retired)+1)
	for kid, pub := range retired {
		verify[kid] = pub
	}
	verify[active.Kid] = &active.Private.PublicKey
	return &KeyRing{active: active, verify: verify, order: order}
}

// ActiveKid returns the identifier of the current signing key.
func (r *KeyRing) ActiveKid() string {
	return r.active.Kid
}

// VerificationKey returns the public key for a key id, if the ring knows it.
func (r *KeyRing) VerificationKey(kid string) (*rsa.PublicKey, bool) {
	pub, ok := r.verify[kid]
	return pub, ok
}

type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// MarshalJWKS renders the ring's public keys as a JWK set for external
// verifiers, active key first.
func (r *KeyRing) MarshalJWKS() ([]byte, error) {
	kids := append([]string{r.active.Kid}, r.order...)
	keys := make([]jwk, 0, len(kids))
	seen := make(map[string]struct{}, len(kids))
	for _, kid := range kids {
		if _, ok := seen[kid]; ok {
			continue
		}
		seen[kid] = struct{}{}
		pub, ok := r.verify[kid]
		if !ok {
			continue
		}
		keys = append(keys, jwk{
			Kty: "RSA",
			Use: "sig",
			Alg: "RS256",
			Kid: kid,
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return json.Marshal(map[string][]jwk{"keys": keys})
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// CredentialKind tags the Credentials variant.
type CredentialKind int

const (
	// KindSecret authenticates with HTTP Basic (client id + secret).
	KindSecret CredentialKind = iota + 1
	// KindJWK authenticates with a signed client assertion (SMART Backend
	// Services).
	KindJWK
)

func (k CredentialKind) String() string {
	switch k {
	case KindSecret:
		return "secret"
	case KindJWK:
		return "jwk"
	default:
		return "unknown"
	}
}

// Credentials is either SecretCredentials or *JWKCredentials. The variant is
// fixed when the value is built and never re-inspected at request time.
type Credentials interface {
	Kind() CredentialKind
}

// SecretCredentials is a static client secret.
type SecretCredentials struct {
	Value string
}

// Kind implements Credentials.
func (SecretCredentials) Kind() CredentialKind { return KindSecret }

// JWKCredentials holds an asymmetric private key used to sign client
// assertions.
type JWKCredentials struct {
	Key    crypto.Signer
	KeyID  string
	Method jwt.SigningMethod
}

// Kind implements Credentials.
func (*JWKCredentials) Kind() CredentialKind { return KindJWK }

// NewJWKCredentials wraps a private key. When alg is empty the algorithm is
// derived from the key: RS384 for RSA, ES256/ES384/ES512 for EC by curve.
func NewJWKCredentials(key crypto.Signer, kid, alg string) (*JWKCredentials, error) {
	if key == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if alg == "" {
		var err error
		if alg, err = defaultAlgorithm(key); err != nil {
			return nil, err
		}
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
	switch method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
		if _, ok := key.(*rsa.PrivateKey); !ok {
			return nil, fmt.Errorf("algorithm %s requires an RSA key, got %T", alg, key)
		}
	case *jwt.SigningMethodECDSA:
		if _, ok := key.(*ecdsa.PrivateKey); !ok {
			return nil, fmt.Errorf("algorithm %s requires an EC key, got %T", alg, key)
		}
	default:
		return nil, fmt.Errorf("algorithm %s is not an asymmetric signing method", alg)
	}
	return &JWKCredentials{Key: key, KeyID: kid, Method: method}, nil
}

// ParseJWK builds JWKCredentials from a private JWK in JSON form. The key's
// "kid" and "alg" members are honoured when present.
func ParseJWK(raw []byte) (*JWKCredentials, error) {
	k, err := jwk.ParseKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing private JWK: %w", err)
	}
	var rawKey any
	if err := k.Raw(&rawKey); err != nil {
		return nil, fmt.Errorf("extracting private key: %w", err)
	}
	signer, ok := rawKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("JWK does not hold a private key (got %T)", rawKey)
	}
	alg := ""
	if a := k.Algorithm(); a != nil {
		alg = a.String()
	}
	return NewJWKCredentials(signer, k.KeyID(), alg)
}

// PublicJWK returns the public half of the key as a JWK, carrying kid and
// alg.
func (c *JWKCredentials) PublicJWK() ([]byte, error) {
	k, err := jwk.FromRaw(c.Key.Public())
	if err != nil {
		return nil, fmt.Errorf("building public JWK: %w", err)
	}
	if c.KeyID != "" {
		if err := k.Set(jwk.KeyIDKey, c.KeyID); err != nil {
			return nil, err
		}
	}
	if err := k.Set(jwk.AlgorithmKey, c.Method.Alg()); err != nil {
		return nil, err
	}
	return json.Marshal(k)
}

// ParsePublicKeys reads a JWK or a JWK Set and returns the public keys by
// kid. Private members are ignored.
func ParsePublicKeys(raw []byte) (map[string]crypto.PublicKey, error) {
	set, err := jwk.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing JWK set: %w", err)
	}
	keys := make(map[string]crypto.PublicKey, set.Len())
	for i := 0; i < set.Len(); i++ {
		k, _ := set.Key(i)
		pub, err := k.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k.KeyID(), err)
		}
		var rawKey any
		if err := pub.Raw(&rawKey); err != nil {
			return nil, fmt.Errorf("key %q: %w", k.KeyID(), err)
		}
		keys[k.KeyID()] = rawKey
	}
	return keys, nil
}

// ParseCredentials picks the variant once: a JSON object is a private JWK,
// anything else is a client secret.
func ParseCredentials(jwkJSON map[string]interface{}, secret string) (Credentials, error) {
	if len(jwkJSON) > 0 {
		raw, err := json.Marshal(jwkJSON)
		if err != nil {
			return nil, fmt.Errorf("encoding private JWK: %w", err)
		}
		return ParseJWK(raw)
	}
	if secret != "" {
		return SecretCredentials{Value: secret}, nil
	}
	return nil, fmt.Errorf("either a private JWK or a client secret is required")
}

func defaultAlgorithm(key crypto.Signer) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return "RS384", nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return "ES256", nil
		case elliptic.P384():
			return "ES384", nil
		case elliptic.P521():
			return "ES512", nil
		}
		return "", fmt.Errorf("unsupported EC curve %s", k.Curve.Params().Name)
	default:
		return "", fmt.Errorf("unsupported private key type %T", key)
	}
}

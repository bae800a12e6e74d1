package peerlink

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"encoding/pem"

	"github.com/go-jose/go-jose/v4"
	"github.com/pkg/errors"
)

// AlgorithmRSAOAEP is the only asymmetric scheme the protocol speaks.
const AlgorithmRSAOAEP = "RSA-OAEP"

const defaultPublicExponent = 65537

// Algorithm describes the asymmetric scheme used for a home key pair.
// Only Name and Hash travel on the wire.
type Algorithm struct {
	Name string `bson:"name"`
	Hash string `bson:"hash"`

	ModulusLength  int `bson:"-"`
	PublicExponent int `bson:"-"`
}

// DefaultAlgorithm returns RSA-OAEP with SHA-256 and 4096-bit keys.
func DefaultAlgorithm() Algorithm {
	return Algorithm{
		Name:           AlgorithmRSAOAEP,
		Hash:           "SHA-256",
		ModulusLength:  4096,
		PublicExponent: defaultPublicExponent,
	}
}

// Descriptor strips the key generation parameters.
func (a Algorithm) Descriptor() Algorithm {
	return Algorithm{Name: a.Name, Hash: a.Hash}
}

func (a Algorithm) hash() (crypto.Hash, error) {
	if a.Name != AlgorithmRSAOAEP {
		return 0, errors.Wrapf(ErrUnsupportedAlgorithm, "name %q", a.Name)
	}

	switch a.Hash {
	case "SHA-1":
		return crypto.SHA1, nil
	case "SHA-256":
		return crypto.SHA256, nil
	case "SHA-384":
		return crypto.SHA384, nil
	case "SHA-512":
		return crypto.SHA512, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedAlgorithm, "hash %q", a.Hash)
}

// jwkAlgorithm names the scheme the way JWK "alg" does.
func (a Algorithm) jwkAlgorithm() string {
	switch a.Hash {
	case "SHA-1":
		return string(jose.RSA_OAEP)
	case "SHA-256":
		return string(jose.RSA_OAEP_256)
	}
	return "RSA-OAEP-" + a.Hash[len("SHA-"):]
}

// validate checks the parameters needed to generate a key.
func (a Algorithm) validate() error {
	if _, err := a.hash(); err != nil {
		return err
	}
	if a.ModulusLength < 1024 {
		return errors.Wrapf(ErrUnsupportedAlgorithm, "modulus length %d", a.ModulusLength)
	}
	if a.PublicExponent != 0 && a.PublicExponent != defaultPublicExponent {
		return errors.Wrapf(ErrUnsupportedAlgorithm, "public exponent %d", a.PublicExponent)
	}
	return nil
}

// KeyFormat names a public key interchange encoding.
type KeyFormat string

const (
	KeyFormatJWK KeyFormat = "jwk"
	KeyFormatPEM KeyFormat = "pem"
)

func (f KeyFormat) validate() error {
	switch f {
	case KeyFormatJWK, KeyFormatPEM:
		return nil
	}
	return errors.Wrapf(ErrUnsupportedKeyFormat, "%q", string(f))
}

// PublicKey encrypts frames for its owner.
type PublicKey struct {
	key  *rsa.PublicKey
	alg  Algorithm
	hash crypto.Hash
}

// PrivateKey is a home key pair; it decrypts frames addressed to it.
type PrivateKey struct {
	key  *rsa.PrivateKey
	alg  Algorithm
	hash crypto.Hash
}

// Keys are the session keys of an established connection.
type Keys struct {
	// Home decrypts inbound frames.
	Home *PrivateKey
	// Receiver is the peer's key and encrypts outbound frames.
	Receiver *PublicKey
}

// GenerateKey creates a home key pair for alg.
func GenerateKey(alg Algorithm) (*PrivateKey, error) {
	if err := alg.validate(); err != nil {
		return nil, err
	}
	h, _ := alg.hash()

	key, err := rsa.GenerateKey(rand.Reader, alg.ModulusLength)
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	return &PrivateKey{key: key, alg: alg, hash: h}, nil
}

// Public returns the public half of k.
func (k *PrivateKey) Public() *PublicKey {
	return &PublicKey{key: &k.key.PublicKey, alg: k.alg, hash: k.hash}
}

// Decrypt reverses PublicKey.Encrypt.
func (k *PrivateKey) Decrypt(ciphertext []byte) ([]byte, error) {
	size := k.key.Size()
	if len(ciphertext) == 0 || len(ciphertext)%size != 0 {
		return nil, errors.Errorf("ciphertext length %d is not a multiple of %d", len(ciphertext), size)
	}

	h := k.hash.New()
	plaintext := make([]byte, 0, len(ciphertext))
	for off := 0; off < len(ciphertext); off += size {
		block, err := rsa.DecryptOAEP(h, rand.Reader, k.key, ciphertext[off:off+size], nil)
		if err != nil {
			return nil, errors.Wrap(err, "decrypt")
		}
		plaintext = append(plaintext, block...)
	}
	return plaintext, nil
}

// Algorithm returns the scheme the key was created or imported with.
func (k *PublicKey) Algorithm() Algorithm {
	return k.alg
}

// Encrypt seals plaintext with RSA-OAEP. Plaintext longer than one OAEP
// block is cut into blocks, each sealed separately.
func (k *PublicKey) Encrypt(plaintext []byte) ([]byte, error) {
	h := k.hash.New()
	size := k.key.Size()
	chunk := size - 2*h.Size() - 2
	if chunk <= 0 {
		return nil, errors.Errorf("key of %d bytes is too small for %s", size, k.alg.Hash)
	}

	ciphertext := make([]byte, 0, (len(plaintext)/chunk+1)*size)
	for start := 0; start == 0 || start < len(plaintext); start += chunk {
		end := min(start+chunk, len(plaintext))
		block, err := rsa.EncryptOAEP(h, rand.Reader, k.key, plaintext[start:end], nil)
		if err != nil {
			return nil, errors.Wrap(err, "encrypt")
		}
		ciphertext = append(ciphertext, block...)
	}
	return ciphertext, nil
}

// Export encodes k in format.
func (k *PublicKey) Export(format KeyFormat) ([]byte, error) {
	switch format {
	case KeyFormatJWK:
		jwk := jose.JSONWebKey{Key: k.key, Algorithm: k.alg.jwkAlgorithm(), Use: "enc"}
		data, err := jwk.MarshalJSON()
		return data, errors.Wrap(err, "export jwk")
	case KeyFormatPEM:
		der, err := x509.MarshalPKIXPublicKey(k.key)
		if err != nil {
			return nil, errors.Wrap(err, "export pem")
		}
		return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
	}
	return nil, format.validate()
}

// ImportPublicKey decodes a peer key exported with Export.
func ImportPublicKey(format KeyFormat, data []byte, alg Algorithm) (*PublicKey, error) {
	h, err := alg.hash()
	if err != nil {
		return nil, err
	}

	var key any
	switch format {
	case KeyFormatJWK:
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(data); err != nil {
			return nil, errors.Wrap(err, "import jwk")
		}
		key = jwk.Key
	case KeyFormatPEM:
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, errors.New("import pem: no PEM block")
		}
		if key, err = x509.ParsePKIXPublicKey(block.Bytes); err != nil {
			return nil, errors.Wrap(err, "import pem")
		}
	default:
		return nil, format.validate()
	}

	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Errorf("import %s: not an RSA public key", format)
	}
	return &PublicKey{key: pub, alg: alg.Descriptor(), hash: h}, nil
}

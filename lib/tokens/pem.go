package tokens

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/gravitational/trace"
)

func marshalKeyPair(key *rsa.PrivateKey) (public, private []byte, err error) {
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub})
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return publicPEM, privatePEM, nil
}

// ParsePrivateKey decodes a PEM-encoded RSA private key, the format
// written by GenerateKeyPair, for a coordinator to sign endpoint API
// tokens with.
func ParsePrivateKey(keyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, trace.BadParameter("expected PEM encoded private key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return key, nil
}

// ParsePublicKey decodes a PEM-encoded RSA public key, the format written
// by GenerateKeyPair, for a worker to verify endpoint API tokens with.
func ParsePublicKey(keyPEM []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, trace.BadParameter("expected PEM encoded public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return key, nil
}

// LoadPrivateKey reads and parses the RSA private key at path.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return ParsePrivateKey(data)
}

// LoadPublicKey reads and parses the RSA public key at path.
func LoadPublicKey(path string) (crypto.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return ParsePublicKey(data)
}

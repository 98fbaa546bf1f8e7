package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

// Entry signatures are Ed25519 over the UTF-8 bytes of the hex-encoded entry
// hash, never over the raw entry: external auditors can check them from the
// exported entry alone. Keys travel as PEM (PKCS#8 private, PKIX public).

// GenerateKeypair returns a fresh Ed25519 keypair in PEM form.
func GenerateKeypair() (privatePEM, publicPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, &KeyError{Cause: fmt.Sprintf("key generation failed: %v", err)}
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, &KeyError{Cause: fmt.Sprintf("private key encoding failed: %v", err)}
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, nil, &KeyError{Cause: fmt.Sprintf("public key encoding failed: %v", err)}
	}
	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privatePEM, publicPEM, nil
}

// LoadPrivateKey parses a PEM-encoded PKCS#8 Ed25519 private key.
func LoadPrivateKey(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, &KeyError{Cause: "no PEM block in private key data"}
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, &KeyError{Cause: fmt.Sprintf("private key parse failed: %v", err)}
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, &KeyError{Cause: fmt.Sprintf("unsupported private key type %T", parsed)}
	}
	return key, nil
}

// LoadPublicKey parses a PEM-encoded PKIX Ed25519 public key.
func LoadPublicKey(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, &KeyError{Cause: "no PEM block in public key data"}
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, &KeyError{Cause: fmt.Sprintf("public key parse failed: %v", err)}
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, &KeyError{Cause: fmt.Sprintf("unsupported public key type %T", parsed)}
	}
	return key, nil
}

// SignEntryHash signs the hex entry hash and returns a base64 signature.
func SignEntryHash(privateKey ed25519.PrivateKey, entryHash string) string {
	sig := ed25519.Sign(privateKey, []byte(entryHash))
	return base64.StdEncoding.EncodeToString(sig)
}

// VerifyEntryHash reports whether signatureB64 is a valid signature of the
// hex entry hash under publicKey. Malformed signatures verify as false.
func VerifyEntryHash(publicKey ed25519.PublicKey, entryHash, signatureB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(publicKey, []byte(entryHash), sig)
}

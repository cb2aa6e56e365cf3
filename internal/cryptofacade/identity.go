package cryptofacade

import (
	"encoding/hex"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ed25519"
)

// LoadOrGenerateIdentity loads the ed25519 keypair at privPath, generating
// and persisting a fresh one if privPath does not yet exist. Keys are
// stored as a single hex-encoded line, matching the hex encoding
// internal/bootstrap already uses for a peer's public key.
//
// Grounded on original_source/crypto/crypto.cpp's load_private_key: a
// configured file path is the node's identity, and an unreadable file
// means the node cannot sign and must not start.
func LoadOrGenerateIdentity(privPath, pubPath string, opts ...Option) (*Facade, error) {
	raw, err := os.ReadFile(privPath)
	switch {
	case os.IsNotExist(err):
		return generateAndPersistIdentity(privPath, pubPath, opts...)
	case err != nil:
		return nil, errors.WithMessagef(err, "cryptofacade: load private key %s", privPath)
	}

	priv, err := decodeHexKey(raw, ed25519.PrivateKeySize)
	if err != nil {
		return nil, errors.WithMessagef(err, "cryptofacade: parse private key %s", privPath)
	}
	return New(ed25519.PrivateKey(priv), opts...), nil
}

func generateAndPersistIdentity(privPath, pubPath string, opts ...Option) (*Facade, error) {
	f, err := Generate(opts...)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(privPath, []byte(hex.EncodeToString(f.priv)), 0o600); err != nil {
		return nil, errors.WithMessagef(err, "cryptofacade: persist private key %s", privPath)
	}
	if pubPath != "" {
		if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(f.pub)), 0o644); err != nil {
			return nil, errors.WithMessagef(err, "cryptofacade: persist public key %s", pubPath)
		}
	}
	return f, nil
}

func decodeHexKey(raw []byte, size int) ([]byte, error) {
	decoded, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, err
	}
	if len(decoded) != size {
		return nil, errors.Errorf("want %d bytes, got %d", size, len(decoded))
	}
	return decoded, nil
}

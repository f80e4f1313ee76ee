// Package identity manages the node's ed25519 key pair.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"dtnmesh/pkg/config"
)

// LoadOrGen loads the ed25519 private key from config or generates a
// fresh one. A generated key is persisted to the configured key file
// (or <dataDir>/identity.key) so the node identity survives restarts.
func LoadOrGen(c config.IdentityConfig, dataDir string) (ed25519.PrivateKey, error) {
	if alg := strings.ToLower(strings.TrimSpace(c.Alg)); alg != "" && alg != "ed25519" {
		return nil, fmt.Errorf("unsupported identity.alg: %q", c.Alg)
	}

	if s := strings.TrimSpace(c.PrivateKey); s != "" {
		b, err := base64.RawURLEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode identity.private_key: %w", err)
		}
		return keyFromBytes(b)
	}

	path := strings.TrimSpace(c.PrivateKeyFile)
	if path == "" {
		path = filepath.Join(dataDir, "identity.key")
	}
	if b, err := os.ReadFile(path); err == nil {
		txt := strings.TrimSpace(string(b))
		if db, derr := base64.RawURLEncoding.DecodeString(txt); derr == nil {
			return keyFromBytes(db)
		}
		// assume raw bytes
		return keyFromBytes(b)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	enc := base64.RawURLEncoding.EncodeToString(priv)
	if err := os.WriteFile(path, []byte(enc+"\n"), 0o600); err != nil {
		zap.L().Warn("failed to persist generated identity", zap.String("path", path), zap.Error(err))
	} else {
		zap.L().Info("generated new ed25519 identity", zap.String("path", path),
			zap.String("pub_b64", base64.RawURLEncoding.EncodeToString(priv.Public().(ed25519.PublicKey))))
	}
	return priv, nil
}

func keyFromBytes(b []byte) (ed25519.PrivateKey, error) {
	switch len(b) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	default:
		return nil, fmt.Errorf("bad identity key length: %d", len(b))
	}
}

package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	// NodeKeyFileName is the file holding the node's private key
	NodeKeyFileName = "node_id.key"
	// NodeKeyDir is the default directory under the user's home
	NodeKeyDir = ".pubsub-relay"
)

// NodeIdentity names this relay node on the shared store. Notifications carry the
// node id so operators can trace which node accepted a publish.
type NodeIdentity struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"-"`
	NodeID     string `json:"node_id"`
}

// Generate creates a fresh identity from a new ed25519 key pair.
func Generate() (*NodeIdentity, error) {
	_, privateKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return fromPrivateKey(privateKey), nil
}

func fromPrivateKey(privateKey ed25519.PrivateKey) *NodeIdentity {
	pubKeyHex := hex.EncodeToString(privateKey.Public().(ed25519.PublicKey))
	return &NodeIdentity{
		PublicKey:  pubKeyHex,
		PrivateKey: hex.EncodeToString(privateKey),
		NodeID:     "relay-" + pubKeyHex[:16],
	}
}

// DefaultPath returns ~/.pubsub-relay/node_id.key.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, NodeKeyDir, NodeKeyFileName), nil
}

// LoadOrCreate reads the identity stored at path, creating and saving a new one
// when the file does not exist. An empty path means DefaultPath.
func LoadOrCreate(path string) (*NodeIdentity, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	path = filepath.Clean(path)

	id, err := load(path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	id, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := save(id, path); err != nil {
		return nil, fmt.Errorf("failed to save node identity: %w", err)
	}
	return id, nil
}

func save(id *NodeIdentity, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	// only the private key is stored; the rest derives from it
	return os.WriteFile(path, []byte(id.PrivateKey+"\n"), 0o600)
}

func load(path string) (*NodeIdentity, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(content)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key in %s: %w", path, err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key in %s must be %d bytes, got %d", path, ed25519.PrivateKeySize, len(keyBytes))
	}
	return fromPrivateKey(ed25519.PrivateKey(keyBytes)), nil
}

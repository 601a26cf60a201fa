package auth

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

const (
	didKeyPrefix    = "did:key:"
	multibaseBase58 = "z"
)

// ed25519-pub multicodec, varint encoded.
var ed25519Multicodec = []byte{0xed, 0x01}

// EncodeIssuer renders an ed25519 public key as a did:key issuer.
func EncodeIssuer(pub ed25519.PublicKey) string {
	buf := make([]byte, 0, len(ed25519Multicodec)+len(pub))
	buf = append(buf, ed25519Multicodec...)
	buf = append(buf, pub...)
	return didKeyPrefix + multibaseBase58 + base58.Encode(buf)
}

// DecodeIssuer extracts the ed25519 public key from a did:key issuer.
func DecodeIssuer(iss string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(iss, didKeyPrefix) {
		return nil, fmt.Errorf("issuer %q is not a did:key", iss)
	}
	encoded := strings.TrimPrefix(iss, didKeyPrefix)
	if !strings.HasPrefix(encoded, multibaseBase58) {
		return nil, fmt.Errorf("issuer is not base58btc multibase")
	}
	raw, err := base58.Decode(strings.TrimPrefix(encoded, multibaseBase58))
	if err != nil {
		return nil, fmt.Errorf("decode issuer: %w", err)
	}
	if len(raw) != len(ed25519Multicodec)+ed25519.PublicKeySize ||
		raw[0] != ed25519Multicodec[0] || raw[1] != ed25519Multicodec[1] {
		return nil, fmt.Errorf("issuer is not an ed25519 key")
	}
	return ed25519.PublicKey(raw[len(ed25519Multicodec):]), nil
}

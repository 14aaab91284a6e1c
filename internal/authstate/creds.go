package authstate

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Credentials is the decoded credential blob of one session. Byte values are
// []byte, integers are json.Number or int after InitCredentials.
type Credentials map[string]any

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}

func keyPair() (map[string]any, error) {
	priv, err := randomBytes(curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return map[string]any{"private": priv, "public": pub}, nil
}

// InitCredentials synthesizes the credentials of a session that has never
// paired. The signed pre-key signature is left to the protocol engine, which
// owns the signing scheme.
func InitCredentials() (Credentials, error) {
	pairs := make(map[string]map[string]any, 4)
	for _, name := range []string{"noiseKey", "pairingEphemeralKeyPair", "signedIdentityKey", "signedPreKey"} {
		kp, err := keyPair()
		if err != nil {
			return nil, fmt.Errorf("init %s: %w", name, err)
		}
		pairs[name] = kp
	}

	regID, err := randomBytes(2)
	if err != nil {
		return nil, err
	}
	adv, err := randomBytes(32)
	if err != nil {
		return nil, err
	}

	return Credentials{
		"noiseKey":                pairs["noiseKey"],
		"pairingEphemeralKeyPair": pairs["pairingEphemeralKeyPair"],
		"signedIdentityKey":       pairs["signedIdentityKey"],
		"signedPreKey": map[string]any{
			"keyId":   1,
			"keyPair": pairs["signedPreKey"],
		},
		"registrationId":           int(binary.BigEndian.Uint16(regID) & 16383),
		"advSecretKey":             base64.StdEncoding.EncodeToString(adv),
		"processedHistoryMessages": []any{},
		"nextPreKeyId":             1,
		"firstUnuploadedPreKeyId":  1,
		"accountSyncCounter":       0,
		"accountSettings":          map[string]any{"unarchiveChats": false},
		"registered":               false,
	}, nil
}

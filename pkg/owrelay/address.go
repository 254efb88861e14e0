package owrelay

import (
	"crypto/ed25519"
	"encoding/base32"
	"strings"

	"golang.org/x/crypto/sha3"
)

// serviceNameVersion is the address format version byte baked into every
// derived name and its checksum.
const serviceNameVersion = 0x03

var serviceNameEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ServiceName derives the public name a service is reachable under from its
// identity public key. The name is self-authenticating: it encodes the key
// itself plus a checksum, so any party can verify that a name and a key
// belong together without trusting the relay.
//
// Layout before encoding: pubkey (32 bytes) || checksum (2 bytes) ||
// version (1 byte), where checksum = H(".onion checksum" || pubkey ||
// version)[:2] with H = SHA3-256. The 35 bytes base32-encode to a 56
// character label, suffixed ".onion".
func ServiceName(pub ed25519.PublicKey) string {
	checksum := serviceNameChecksum(pub)
	data := make([]byte, 0, ed25519.PublicKeySize+3)
	data = append(data, pub...)
	data = append(data, checksum...)
	data = append(data, serviceNameVersion)
	return strings.ToLower(serviceNameEncoding.EncodeToString(data)) + ".onion"
}

// VerifyServiceName reports whether name is the correctly derived name for
// pub.
func VerifyServiceName(name string, pub ed25519.PublicKey) bool {
	return name == ServiceName(pub)
}

func serviceNameChecksum(pub ed25519.PublicKey) []byte {
	h := sha3.New256()
	h.Write([]byte(".onion checksum"))
	h.Write(pub)
	h.Write([]byte{serviceNameVersion})
	return h.Sum(nil)[:2]
}

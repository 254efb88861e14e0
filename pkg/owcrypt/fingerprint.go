package owcrypt

import (
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// FingerprintKey returns a standard fingerprint hash string for an SSH
// public key, which a service can use to authenticate the relay it dials,
// and a relay operator can use to identify a registered service key.
func FingerprintKey(k ssh.PublicKey) string {
	bytes := md5.Sum(k.Marshal())
	return colonHex(bytes[:])
}

// FingerprintDER returns a SHA-256 fingerprint hash string for a DER-encoded
// certificate or key.
func FingerprintDER(der []byte) string {
	bytes := sha256.Sum256(der)
	return colonHex(bytes[:])
}

func colonHex(bytes []byte) string {
	strbytes := make([]string, len(bytes))
	for i, b := range bytes {
		strbytes[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(strbytes, ":")
}

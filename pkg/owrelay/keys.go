package owrelay

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/sammck-go/logger"
	"github.com/sammck-go/onionward/pkg/owcrypt"
)

// GenerateServiceKey creates a new ed25519 service identity key. With seed
// "", the key is random. A non-empty seed derives the key deterministically
// from the seed string, which pins the service name across runs without a
// key file; the seed must then be guarded like the key itself.
func GenerateServiceKey(seed string) (ed25519.PrivateKey, error) {
	var random io.Reader = rand.Reader
	if seed != "" {
		random = owcrypt.NewDetermRand([]byte(seed))
	}
	_, key, err := ed25519.GenerateKey(random)
	if err != nil {
		return nil, fmt.Errorf("Unable to generate service key: %s", err)
	}
	return key, nil
}

// PublicKey returns the public half of a service key.
func PublicKey(key ed25519.PrivateKey) ed25519.PublicKey {
	return key.Public().(ed25519.PublicKey)
}

// SaveServiceKey writes key to path as a PKCS#8 PEM file with mode 0600.
func SaveServiceKey(path string, key ed25519.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("Unable to serialize service key: %s", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err = ioutil.WriteFile(path, pemBytes, 0600); err != nil {
		return fmt.Errorf("Unable to write service key file: %s", err)
	}
	return nil
}

// LoadServiceKey reads an ed25519 service key from a PKCS#8 PEM file.
func LoadServiceKey(path string) (ed25519.PrivateKey, error) {
	pemBytes, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Unable to read service key file: %s", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("Service key file %s is not a PRIVATE KEY PEM file", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("Unable to parse service key: %s", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("Service key file %s does not hold an ed25519 key", path)
	}
	return key, nil
}

// LoadOrCreateServiceKey loads the service identity key from path,
// generating and persisting a new one first if the file does not exist yet.
// An empty path yields an ephemeral key that is not persisted, so the
// service is reachable under a fresh name every run.
func LoadOrCreateServiceKey(logger logger.Logger, path string, seed string) (ed25519.PrivateKey, error) {
	if path == "" {
		key, err := GenerateServiceKey(seed)
		if err == nil {
			logger.ILogf("Using ephemeral service identity %s", ServiceName(PublicKey(key)))
		}
		return key, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		key, err := GenerateServiceKey(seed)
		if err != nil {
			return nil, err
		}
		if err = SaveServiceKey(path, key); err != nil {
			return nil, err
		}
		logger.ILogf("Generated new service identity %s in %s", ServiceName(PublicKey(key)), path)
		return key, nil
	}
	return LoadServiceKey(path)
}

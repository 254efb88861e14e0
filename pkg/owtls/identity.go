// Package owtls owns the TLS side of the service: the server certificate
// identity (loading, first-run generation, live reload) and the handshake
// terminator that upgrades raw rendezvous streams to TLS.
package owtls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/onionward/pkg/owcrypt"
)

// Identity is a service's TLS server identity: a certificate chain and
// private key loaded from PEM files. The active certificate is swapped
// atomically, so an Identity can be re-loaded while handshakes are in
// flight; new handshakes pick up the new certificate, old ones are not
// disturbed.
type Identity struct {
	*asyncobj.Helper
	certFile string
	keyFile  string

	// cert holds the active *tls.Certificate
	cert atomic.Value

	// watcher is non-nil once EnableReload has been called
	watcher *fsnotify.Watcher
}

// LoadIdentity loads a TLS identity from a PEM certificate file and a PEM
// private key file.
func LoadIdentity(logger logger.Logger, certFile string, keyFile string) (*Identity, error) {
	id := &Identity{
		certFile: certFile,
		keyFile:  keyFile,
	}
	name := fmt.Sprintf("<Identity %s>", filepath.Base(certFile))
	id.Helper = asyncobj.NewHelper(logger.ForkLogStr(name), id)

	cert, err := loadKeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	id.cert.Store(cert)
	id.SetIsActivated()
	id.DLogf("Loaded TLS identity, fingerprint %s", id.Fingerprint())
	return id, nil
}

// LoadOrCreateIdentity loads a TLS identity from PEM files, generating and
// persisting a new self-signed identity for dnsName first if the files do
// not exist yet. The key file is written with mode 0600.
func LoadOrCreateIdentity(logger logger.Logger, certFile string, keyFile string, dnsName string) (*Identity, error) {
	if !fileExists(certFile) || !fileExists(keyFile) {
		certPEM, keyPEM, err := GenerateSelfSigned(dnsName, "")
		if err != nil {
			return nil, err
		}
		if err = writePEMFile(certFile, certPEM, 0644); err != nil {
			return nil, err
		}
		if err = writePEMFile(keyFile, keyPEM, 0600); err != nil {
			return nil, err
		}
		logger.ILogf("Generated new self-signed TLS identity for %s in %s", dnsName, certFile)
	}
	return LoadIdentity(logger, certFile, keyFile)
}

// Certificate returns the currently active certificate. The returned value
// is never mutated; reloads swap in a fresh one.
func (id *Identity) Certificate() *tls.Certificate {
	return id.cert.Load().(*tls.Certificate)
}

// Fingerprint returns a colon-hex SHA-256 fingerprint of the active leaf
// certificate.
func (id *Identity) Fingerprint() string {
	return owcrypt.FingerprintDER(id.Certificate().Certificate[0])
}

// EnableReload starts watching the identity's PEM files and re-loads them
// when they change. A replacement that fails to load is logged and ignored;
// the previous identity stays active. Shutting the Identity down stops the
// watcher.
func (id *Identity) EnableReload() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return id.Errorf("Unable to create file watcher: %s", err)
	}
	// watch the containing directories, not the files: editors and
	// atomic-rename writers replace the files, which would orphan a
	// file-level watch
	dirs := []string{filepath.Dir(id.certFile)}
	if d := filepath.Dir(id.keyFile); d != dirs[0] {
		dirs = append(dirs, d)
	}
	for _, d := range dirs {
		if err = watcher.Add(d); err != nil {
			watcher.Close()
			return id.Errorf("Unable to watch %s: %s", d, err)
		}
	}
	id.watcher = watcher
	go id.watchLoop()
	id.DLogf("Watching %v for identity changes", dirs)
	return nil
}

// watchLoop runs until the watcher is closed by shutdown
func (id *Identity) watchLoop() {
	certName := filepath.Clean(id.certFile)
	keyName := filepath.Clean(id.keyFile)
	for {
		select {
		case ev, ok := <-id.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Clean(ev.Name)
			if name != certName && name != keyName {
				continue
			}
			id.reload()
		case err, ok := <-id.watcher.Errors:
			if !ok {
				return
			}
			id.WLogf("Identity file watcher error: %s", err)
		}
	}
}

// reload re-loads the PEM files and swaps the active certificate. Both
// files must be present and consistent; a half-written pair fails to load
// and the previous certificate stays active, so a subsequent event for the
// second file completes the swap.
func (id *Identity) reload() {
	cert, err := loadKeyPair(id.certFile, id.keyFile)
	if err != nil {
		id.WLogf("Reload of TLS identity failed, keeping previous: %s", err)
		return
	}
	id.cert.Store(cert)
	id.ILogf("Reloaded TLS identity, fingerprint %s", id.Fingerprint())
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (id *Identity) HandleOnceShutdown(completionErr error) error {
	var err error
	if id.watcher != nil {
		err = id.watcher.Close()
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// loadKeyPair loads and validates a certificate/key PEM pair, with the leaf
// parsed so fingerprinting does not have to re-parse
func loadKeyPair(certFile string, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("Unable to load TLS identity from %s, %s: %s", certFile, keyFile, err)
	}
	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err == nil {
			cert.Leaf = leaf
		}
	}
	return &cert, nil
}

func writePEMFile(filename string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("Unable to create directory %s: %s", dir, err)
	}
	if err := os.WriteFile(filename, data, mode); err != nil {
		return fmt.Errorf("Unable to write %s: %s", filename, err)
	}
	return nil
}

func fileExists(filename string) bool {
	stat, err := os.Stat(filename)
	return err == nil && !stat.IsDir()
}

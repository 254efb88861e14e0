package owrelay

import (
	"bytes"
	"io/ioutil"
	"path/filepath"
	"testing"
)

func TestGenerateServiceKey(t *testing.T) {
	seeded1, err := GenerateServiceKey("fixed seed")
	if err != nil {
		t.Fatalf("GenerateServiceKey failed: %s", err)
	}
	seeded2, err := GenerateServiceKey("fixed seed")
	if err != nil {
		t.Fatalf("GenerateServiceKey failed: %s", err)
	}
	if !bytes.Equal(seeded1, seeded2) {
		t.Errorf("the same seed derived different keys")
	}
	other, err := GenerateServiceKey("another seed")
	if err != nil {
		t.Fatalf("GenerateServiceKey failed: %s", err)
	}
	if bytes.Equal(seeded1, other) {
		t.Errorf("different seeds derived the same key")
	}
	random1, err := GenerateServiceKey("")
	if err != nil {
		t.Fatalf("GenerateServiceKey failed: %s", err)
	}
	random2, err := GenerateServiceKey("")
	if err != nil {
		t.Fatalf("GenerateServiceKey failed: %s", err)
	}
	if bytes.Equal(random1, random2) {
		t.Errorf("two random keys are identical")
	}
}

func TestServiceKeyFileRoundTrip(t *testing.T) {
	lg := newTestLogger(t, "TestServiceKeyFileRoundTrip")
	path := filepath.Join(t.TempDir(), "service_key.pem")

	created, err := LoadOrCreateServiceKey(lg, path, "")
	if err != nil {
		t.Fatalf("LoadOrCreateServiceKey (create) failed: %s", err)
	}
	loaded, err := LoadOrCreateServiceKey(lg, path, "")
	if err != nil {
		t.Fatalf("LoadOrCreateServiceKey (load) failed: %s", err)
	}
	if !bytes.Equal(created, loaded) {
		t.Errorf("reloaded key differs; the service name would change across runs")
	}
	if ServiceName(PublicKey(created)) != ServiceName(PublicKey(loaded)) {
		t.Errorf("reloaded key derives a different service name")
	}
}

func TestLoadServiceKeyRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.pem")
	if err := ioutil.WriteFile(path, []byte("this is not a key"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %s", err)
	}
	if _, err := LoadServiceKey(path); err == nil {
		t.Errorf("LoadServiceKey accepted garbage")
	}
	if _, err := LoadServiceKey(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Errorf("LoadServiceKey accepted a missing file")
	}
}

func TestEphemeralServiceKey(t *testing.T) {
	lg := newTestLogger(t, "TestEphemeralServiceKey")
	key1, err := LoadOrCreateServiceKey(lg, "", "")
	if err != nil {
		t.Fatalf("LoadOrCreateServiceKey failed: %s", err)
	}
	key2, err := LoadOrCreateServiceKey(lg, "", "")
	if err != nil {
		t.Fatalf("LoadOrCreateServiceKey failed: %s", err)
	}
	if bytes.Equal(key1, key2) {
		t.Errorf("ephemeral keys repeated")
	}
}

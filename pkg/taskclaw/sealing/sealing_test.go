package sealing

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestSealer_RoundTrip(t *testing.T) {
	t.Parallel()

	identity, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	s, err := New(identity)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ct, err := s.Seal([]byte("hunter2"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if ct == "hunter2" {
		t.Fatal("ciphertext must differ from plaintext")
	}
	pt, err := s.Open(ct)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(pt) != "hunter2" {
		t.Errorf("Open = %q, want hunter2", pt)
	}

	other, _ := Generate()
	wrong, _ := New(other)
	if _, err := wrong.Open(ct); err == nil {
		t.Error("opening with a different identity should fail")
	}
}

func TestResolve_Order(t *testing.T) {
	keyring.MockInit()

	fileIdentity, _ := Generate()
	path := filepath.Join(t.TempDir(), "identity.txt")
	if err := WriteIdentityFile(path, "# created by test\n"+fileIdentity); err != nil {
		t.Fatal(err)
	}

	src := Source{KeyringService: "taskclaw-test", IdentityFile: path}

	_, from, err := Resolve(src)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if from != "file" {
		t.Errorf("source = %q, want file", from)
	}

	ringIdentity, _ := Generate()
	if err := StoreKeyring("taskclaw-test", ringIdentity); err != nil {
		t.Fatal(err)
	}
	if _, from, _ = Resolve(src); from != "keyring" {
		t.Errorf("source = %q, want keyring", from)
	}

	envIdentity, _ := Generate()
	t.Setenv(IdentityEnvVar, envIdentity)
	s, from, err := Resolve(src)
	if err != nil || from != "env" {
		t.Fatalf("Resolve = %q, %v; want env", from, err)
	}
	want, _ := New(envIdentity)
	if s.Recipient() != want.Recipient() {
		t.Error("resolved identity should come from the environment")
	}
}

func TestResolve_None(t *testing.T) {
	keyring.MockInit()
	t.Setenv(IdentityEnvVar, "")

	_, _, err := Resolve(Source{IdentityFile: filepath.Join(t.TempDir(), "missing")})
	if !errors.Is(err, ErrNoIdentity) {
		t.Errorf("expected ErrNoIdentity, got %v", err)
	}
}

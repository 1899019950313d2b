package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr/testr"
)

func writeCredentialFile(t *testing.T, dir, host, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, host+".toml"), []byte(content), 0o600); err != nil {
		t.Fatalf("write credential file: %v", err)
	}
}

func TestFileStoreLookup(t *testing.T) {
	dir := t.TempDir()
	writeCredentialFile(t, dir, "quay.io", "user = \"robot\"\nsecret = \"s3cr3t\"\n")
	writeCredentialFile(t, dir, "ghcr.io", "user = \"robot\"\n")
	writeCredentialFile(t, dir, "broken.example", "user = robot")

	store := NewFileStore(dir, testr.New(t))

	cred, ok := store.Lookup("quay.io")
	if !ok {
		t.Fatalf("expected credential for quay.io")
	}
	if cred.Username != "robot" || cred.Secret != "s3cr3t" {
		t.Fatalf("unexpected credential %+v", cred)
	}

	cases := []string{"ghcr.io", "broken.example", "docker.io", "", "../quay.io"}
	for _, host := range cases {
		if cred, ok := store.Lookup(host); ok || cred != nil {
			t.Fatalf("Lookup(%q): expected no credential, got %+v", host, cred)
		}
	}
}

func TestFileStoreLookupIsCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	writeCredentialFile(t, dir, "registry.local", "user = \"a\"\nsecret = \"b\"\n")

	if _, ok := NewFileStore(dir, testr.New(t)).Lookup("Registry.Local"); !ok {
		t.Fatalf("expected lookup to match lower case file name")
	}
}

func TestFileStoreWithoutDirectory(t *testing.T) {
	store := NewFileStore("  ", testr.New(t))
	if _, ok := store.Lookup("quay.io"); ok {
		t.Fatalf("expected no credential without a base directory")
	}

	var nilStore *FileStore
	if _, ok := nilStore.Lookup("quay.io"); ok {
		t.Fatalf("expected nil store to return no credential")
	}
}

func TestFileStoreReadsFreshOnEveryLookup(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, testr.New(t))

	if _, ok := store.Lookup("quay.io"); ok {
		t.Fatalf("expected no credential before the file exists")
	}
	writeCredentialFile(t, dir, "quay.io", "user = \"robot\"\nsecret = \"one\"\n")
	cred, ok := store.Lookup("quay.io")
	if !ok || cred.Secret != "one" {
		t.Fatalf("expected credential after file creation, got %+v", cred)
	}
	writeCredentialFile(t, dir, "quay.io", "user = \"robot\"\nsecret = \"two\"\n")
	if cred, _ = store.Lookup("quay.io"); cred == nil || cred.Secret != "two" {
		t.Fatalf("expected rotated secret, got %+v", cred)
	}
}

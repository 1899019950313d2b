package registry

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"
)

// Credential is a basic-auth pair presented to a registry's token endpoint.
type Credential struct {
	Username string
	Secret   string
}

type credentialFile struct {
	User   string `toml:"user"`
	Secret string `toml:"secret"`
}

// FileStore reads per-registry credentials from <dir>/<registry>.toml.
// Files are read on every lookup; nothing is cached.
type FileStore struct {
	dir    string
	logger logr.Logger
}

func NewFileStore(dir string, logger logr.Logger) *FileStore {
	if logger.GetSink() == nil {
		logger = ctrl.Log.WithName("registry").WithName("credentials")
	}
	return &FileStore{dir: strings.TrimSpace(dir), logger: logger}
}

// Lookup returns the credential configured for host. A missing, unreadable
// or incomplete file yields no credential; the registry decides whether
// anonymous access is enough.
func (s *FileStore) Lookup(host string) (*Credential, bool) {
	if s == nil || s.dir == "" {
		return nil, false
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" || strings.ContainsAny(host, `/\`) || strings.HasPrefix(host, ".") {
		return nil, false
	}

	path := filepath.Join(s.dir, host+".toml")
	log := s.logger.WithValues("registry", host, "path", path)

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.V(1).Info("no credential file for registry")
			return nil, false
		}
		log.Error(err, "credential file unreadable, continuing without credentials")
		return nil, false
	}

	var file credentialFile
	md, err := toml.Decode(string(raw), &file)
	if err != nil {
		log.Error(err, "credential file is not valid TOML, continuing without credentials")
		return nil, false
	}
	for _, key := range []string{"user", "secret"} {
		if !md.IsDefined(key) {
			log.Info("credential file is missing a required key, continuing without credentials", "key", key)
			return nil, false
		}
	}

	log.V(1).Info("loaded registry credential")
	return &Credential{Username: file.User, Secret: file.Secret}, true
}

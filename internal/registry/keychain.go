package registry

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
)

// Resource names a registry by its logical host. name.Registry rewrites
// docker.io to index.docker.io, which would not match credential files
// named after the user-facing host.
type Resource string

func (r Resource) String() string {
	return string(r)
}

func (r Resource) RegistryStr() string {
	return string(r)
}

// Resolve implements authn.Keychain so the file store can be chained with
// other credential sources.
func (s *FileStore) Resolve(resource authn.Resource) (authn.Authenticator, error) {
	cred, ok := s.Lookup(resource.RegistryStr())
	if !ok {
		return authn.Anonymous, nil
	}
	return &authn.Basic{Username: cred.Username, Password: cred.Secret}, nil
}

// NewKeychain chains the given keychains; the first one returning a
// non-anonymous authenticator wins. Nil entries are skipped.
func NewKeychain(keychains ...authn.Keychain) authn.Keychain {
	filtered := make([]authn.Keychain, 0, len(keychains))
	for _, kc := range keychains {
		if kc != nil {
			filtered = append(filtered, kc)
		}
	}
	if len(filtered) == 0 {
		return anonymousKeychain{}
	}
	return authn.NewMultiKeychain(filtered...)
}

type anonymousKeychain struct{}

func (anonymousKeychain) Resolve(authn.Resource) (authn.Authenticator, error) {
	return authn.Anonymous, nil
}

// CredentialFor resolves the basic-auth credential for a logical registry
// host. It returns nil when the keychain has nothing but anonymous access.
func CredentialFor(kc authn.Keychain, host string) (*Credential, error) {
	if kc == nil {
		return nil, nil
	}
	host = strings.ToLower(strings.TrimSpace(host))
	auth, err := kc.Resolve(Resource(host))
	if err != nil {
		return nil, fmt.Errorf("resolve credentials for %s: %w", host, err)
	}
	if auth == nil || auth == authn.Anonymous {
		return nil, nil
	}
	cfg, err := auth.Authorization()
	if err != nil {
		return nil, fmt.Errorf("authorization for %s: %w", host, err)
	}
	if cfg == nil || (cfg.Username == "" && cfg.Password == "") {
		return nil, nil
	}
	return &Credential{Username: cfg.Username, Secret: cfg.Password}, nil
}

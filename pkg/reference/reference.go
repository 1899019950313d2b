// Package reference parses Docker style image references into their
// registry, repository, tag and digest parts.
package reference

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

const (
	// DefaultRegistry is the registry assumed when a reference names none.
	DefaultRegistry = "docker.io"
	// DefaultTag is used when a reference carries neither tag nor digest.
	DefaultTag = "latest"

	legacyNamespace = "library"
)

// ErrMalformed is returned (wrapped) for references that match none of the
// accepted grammars.
var ErrMalformed = errors.New("malformed image reference")

// Reference is a parsed image reference. Repository is never empty.
type Reference struct {
	Registry   string
	Port       string
	Repository string
	Tag        string
	Digest     string
}

// Parse splits raw into its components. Accepted forms are
// [registry[:port]/]repository[:tag][@digest]. The first path segment is a
// registry host only if it contains a dot or a port, is "localhost", or is
// followed by at least two more segments; a single bare word is always a
// repository under DefaultRegistry.
func Parse(raw string) (Reference, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Reference{}, malformed(raw, "empty reference")
	}

	var ref Reference
	if at := strings.Index(s, "@"); at >= 0 {
		ref.Digest = s[at+1:]
		s = s[:at]
		if ref.Digest == "" {
			return Reference{}, malformed(raw, "empty digest")
		}
	}
	if colon := strings.LastIndex(s, ":"); colon > strings.LastIndex(s, "/") {
		ref.Tag = s[colon+1:]
		s = s[:colon]
		if ref.Tag == "" {
			return Reference{}, malformed(raw, "empty tag")
		}
	}

	segments := strings.Split(s, "/")
	for _, seg := range segments {
		if seg == "" {
			return Reference{}, malformed(raw, "empty path segment")
		}
	}

	if isRegistrySegment(segments) {
		host, port, hasPort := strings.Cut(segments[0], ":")
		if hasPort {
			if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
				return Reference{}, malformed(raw, fmt.Sprintf("invalid port %q", port))
			}
		}
		ref.Registry = strings.ToLower(host)
		ref.Port = port
		segments = segments[1:]
	}
	ref.Repository = strings.Join(segments, "/")

	if ref.Registry == "" || ref.Registry == "index.docker.io" {
		ref.Registry = DefaultRegistry
	}
	if ref.Registry == DefaultRegistry && ref.Port == "" && !strings.Contains(ref.Repository, "/") {
		ref.Repository = legacyNamespace + "/" + ref.Repository
	}
	if ref.Tag == "" && ref.Digest == "" {
		ref.Tag = DefaultTag
	}

	if err := ref.validate(); err != nil {
		return Reference{}, malformed(raw, err.Error())
	}
	return ref, nil
}

func isRegistrySegment(segments []string) bool {
	if len(segments) < 2 {
		return false
	}
	first := segments[0]
	return strings.ContainsAny(first, ".:") || first == "localhost" || len(segments) >= 3
}

func (r Reference) validate() error {
	if _, err := name.NewRegistry(r.Host(), name.WeakValidation); err != nil {
		return err
	}
	repo := r.Host() + "/" + r.Repository
	if r.Tag != "" {
		if _, err := name.NewTag(repo+":"+r.Tag, name.WeakValidation); err != nil {
			return err
		}
	} else if _, err := name.NewRepository(repo, name.WeakValidation); err != nil {
		return err
	}
	if r.Digest != "" {
		if _, err := name.NewDigest(repo+"@"+r.Digest, name.WeakValidation); err != nil {
			return err
		}
	}
	return nil
}

// Host returns the registry host including the port, if any.
func (r Reference) Host() string {
	if r.Port == "" {
		return r.Registry
	}
	return r.Registry + ":" + r.Port
}

// Identifier is the manifest identifier used on the wire: the digest when
// present, the tag otherwise.
func (r Reference) Identifier() string {
	if r.Digest != "" {
		return r.Digest
	}
	return r.Tag
}

func (r Reference) String() string {
	var b strings.Builder
	b.WriteString(r.Host())
	b.WriteByte('/')
	b.WriteString(r.Repository)
	if r.Tag != "" {
		b.WriteByte(':')
		b.WriteString(r.Tag)
	}
	if r.Digest != "" {
		b.WriteByte('@')
		b.WriteString(r.Digest)
	}
	return b.String()
}

func malformed(raw, reason string) error {
	return fmt.Errorf("%w %q: %s", ErrMalformed, raw, reason)
}

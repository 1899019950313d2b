package manifest

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
)

// ArchitectureSet lists the architectures an image runs on, in the order
// the registry reported them, without duplicates.
type ArchitectureSet []string

func (s ArchitectureSet) Contains(arch string) bool {
	return slices.Contains(s, arch)
}

func (s ArchitectureSet) String() string {
	return strings.Join(s, ",")
}

// acceptedMediaTypes is sent in the Accept header. Lists come first; single
// image manifests are only returned for images that have no list.
var acceptedMediaTypes = []types.MediaType{
	types.OCIImageIndex,
	types.DockerManifestList,
	types.OCIManifestSchema1,
	types.DockerManifestSchema2,
}

func acceptHeader() string {
	values := make([]string, 0, len(acceptedMediaTypes))
	for _, mt := range acceptedMediaTypes {
		values = append(values, string(mt))
	}
	return strings.Join(values, ",")
}

// document covers the fields of schema 1 manifests, schema 2 lists and
// schema 2 image manifests that matter for architecture detection.
type document struct {
	SchemaVersion *int64           `json:"schemaVersion"`
	MediaType     types.MediaType  `json:"mediaType,omitempty"`
	Architecture  *string          `json:"architecture,omitempty"`
	Manifests     *[]listEntry     `json:"manifests,omitempty"`
	Config        *v1.Descriptor   `json:"config,omitempty"`
}

// listEntry is the part of a list entry the normaliser reads. Digests stay
// undecoded, so entries hashed with any algorithm are accepted.
type listEntry struct {
	Platform *v1.Platform `json:"platform,omitempty"`
}

func decodeDocument(body []byte) (*document, error) {
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &doc, nil
}

// architectures extracts the architecture set from doc. When doc is a single
// schema 2 image manifest the set is empty and the config descriptor that
// carries the architecture is returned instead.
func (d *document) architectures() (ArchitectureSet, *v1.Descriptor, error) {
	if d.SchemaVersion == nil {
		return nil, nil, fmt.Errorf("%w: no schemaVersion", ErrUnsupportedSchema)
	}
	switch *d.SchemaVersion {
	case 1:
		if d.Architecture == nil || *d.Architecture == "" {
			return nil, nil, ErrMissingArchitecture
		}
		return ArchitectureSet{*d.Architecture}, nil, nil
	case 2:
		if d.Manifests != nil {
			return platformArchitectures(*d.Manifests)
		}
		if d.Config != nil {
			return nil, d.Config, nil
		}
		return nil, nil, fmt.Errorf("%w: schema 2 document without manifests or config", ErrUnsupportedSchema)
	default:
		return nil, nil, fmt.Errorf("%w: schemaVersion %d", ErrUnsupportedSchema, *d.SchemaVersion)
	}
}

func platformArchitectures(manifests []listEntry) (ArchitectureSet, *v1.Descriptor, error) {
	if len(manifests) == 0 {
		return nil, nil, fmt.Errorf("%w: empty manifest list", ErrMissingArchitecture)
	}
	set := make(ArchitectureSet, 0, len(manifests))
	for i, desc := range manifests {
		if desc.Platform == nil || desc.Platform.Architecture == "" {
			return nil, nil, fmt.Errorf("%w: manifest entry %d has no platform architecture", ErrMissingArchitecture, i)
		}
		if !set.Contains(desc.Platform.Architecture) {
			set = append(set, desc.Platform.Architecture)
		}
	}
	return set, nil, nil
}

func configArchitecture(cfg *v1.ConfigFile) (ArchitectureSet, error) {
	if cfg == nil || cfg.Architecture == "" {
		return nil, fmt.Errorf("%w: image config", ErrMissingArchitecture)
	}
	return ArchitectureSet{cfg.Architecture}, nil
}

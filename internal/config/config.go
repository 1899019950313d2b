package config

import (
	"errors"
	"io/fs"
	"os"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/matzegebbe/k8s-tolerable/pkg/util"
)

// FilePath is the default config path inside the container.
const FilePath = "/config/config.yaml"

type ECR struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Region  string `json:"region,omitempty"`
}

type Cache struct {
	// TTL of successful resolutions; 0 keeps them for the process lifetime.
	TTL *metav1.Duration `json:"ttl,omitempty"`
	// FailureTTL of failed resolutions; 0 disables failure caching.
	FailureTTL *metav1.Duration `json:"failureTTL,omitempty"`
}

type Config struct {
	SupportedArchitectures []string            `json:"supportedArchitectures,omitempty"`
	Tolerations            map[string]string   `json:"tolerations,omitempty"`
	RegistryCredentialPath string              `json:"registryCredentialPath,omitempty"`
	FailurePolicy          string              `json:"failurePolicy,omitempty"`
	IncludeInitContainers  *bool               `json:"includeInitContainers,omitempty"`
	ExcludeNamespaces      []string            `json:"excludeNamespaces,omitempty"`
	RegistryTimeout        *metav1.Duration    `json:"registryTimeout,omitempty"`
	InsecureSkipTLSVerify  *bool               `json:"insecureSkipTLSVerify,omitempty"`
	Cache                  Cache               `json:"cache,omitempty"`
	ImageRewrites          []util.ImageRewrite `json:"imageRewrites,omitempty"`
	ECR                    ECR                 `json:"ecr,omitempty"`
	SSLCertPath            string              `json:"sslCertPath,omitempty"`
	SSLKeyPath             string              `json:"sslKeyPath,omitempty"`
	LogLevel               string              `json:"logLevel,omitempty"`
}

// Load reads the YAML file at path. ok is false when the file does not
// exist or cannot be read; unknown keys are rejected.
func Load(path string) (Config, bool, error) {
	var c Config
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c, false, nil
		}
		// treat permission-denied as non-fatal not-found
		if errors.Is(err, fs.ErrPermission) {
			return c, false, nil
		}
		return c, false, err
	}
	if err := yaml.UnmarshalStrict(b, &c); err != nil {
		return c, false, err
	}
	return c, true, nil
}

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/matzegebbe/k8s-tolerable/internal/admission"
	"github.com/matzegebbe/k8s-tolerable/internal/config"
	"github.com/matzegebbe/k8s-tolerable/internal/manifest"
	"github.com/matzegebbe/k8s-tolerable/pkg/util"
)

const (
	envPrefix          = "TOLERABLE_"
	defaultSSLCertPath = "/certs/tls.crt"
	defaultSSLKeyPath  = "/certs/tls.key"
)

// runtimeConfig holds all runtime configuration derived from flags, env vars and the config file.
type runtimeConfig struct {
	ConfigPath   string
	ConfigLoaded bool

	Architectures         []string
	Toleration            map[string]string
	CredentialPath        string
	Policy                admission.Policy
	IncludeInitContainers bool
	ExcludeNamespaces     []string
	Rewrites              []util.ImageRewrite

	RegistryTimeout       time.Duration
	CacheTTL              time.Duration
	FailureTTL            time.Duration
	InsecureSkipTLSVerify bool

	ECREnabled bool
	ECRRegion  string

	CertDir  string
	CertName string
	KeyName  string

	LogLevel zapcore.Level
}

// loadRuntimeConfig resolves configuration from env vars and the optional config file.
func loadRuntimeConfig() (runtimeConfig, error) {
	return resolveRuntimeConfig(os.Getenv)
}

func resolveRuntimeConfig(getenv func(string) string) (runtimeConfig, error) {
	env := func(name string) string {
		return strings.TrimSpace(getenv(envPrefix + name))
	}

	cfgPath := strings.TrimSpace(getenv("CONFIG_FILE_PATH"))
	if cfgPath == "" {
		cfgPath = config.FilePath
	}
	fileCfg, ok, err := config.Load(cfgPath)
	if err != nil {
		return runtimeConfig{}, fmt.Errorf("load config file %s: %w", cfgPath, err)
	}

	rc := runtimeConfig{
		ConfigPath:     cfgPath,
		ConfigLoaded:   ok,
		Architectures:  resolveList(env("SUPPORTED_ARCHITECTURES"), fileCfg.SupportedArchitectures),
		CredentialPath: fileCfg.RegistryCredentialPath,
		Rewrites:       fileCfg.ImageRewrites,
		ECRRegion:      fileCfg.ECR.Region,
	}
	if v := env("REGISTRY_CREDENTIAL_PATH"); v != "" {
		rc.CredentialPath = v
	}
	if v := strings.TrimSpace(getenv("AWS_REGION")); v != "" {
		rc.ECRRegion = v
	}
	rc.ExcludeNamespaces = resolveList(env("EXCLUDE_NAMESPACES"), fileCfg.ExcludeNamespaces)

	if rc.Toleration, err = resolveMap(env("TOLERATIONS"), fileCfg.Tolerations); err != nil {
		return runtimeConfig{}, fmt.Errorf("%sTOLERATIONS: %w", envPrefix, err)
	}
	if len(rc.Toleration) > 0 {
		if err := validateToleration(rc.Toleration); err != nil {
			return runtimeConfig{}, fmt.Errorf("toleration template: %w", err)
		}
	}

	policy := fileCfg.FailurePolicy
	if v := env("FAILURE_POLICY"); v != "" {
		policy = v
	}
	if rc.Policy, err = admission.ParsePolicy(policy); err != nil {
		return runtimeConfig{}, err
	}

	if rc.IncludeInitContainers, err = resolveBool(env("INCLUDE_INIT_CONTAINERS"), fileCfg.IncludeInitContainers, true); err != nil {
		return runtimeConfig{}, fmt.Errorf("%sINCLUDE_INIT_CONTAINERS: %w", envPrefix, err)
	}
	if rc.InsecureSkipTLSVerify, err = resolveBool(env("INSECURE_SKIP_TLS_VERIFY"), fileCfg.InsecureSkipTLSVerify, false); err != nil {
		return runtimeConfig{}, fmt.Errorf("%sINSECURE_SKIP_TLS_VERIFY: %w", envPrefix, err)
	}
	if rc.ECREnabled, err = resolveBool(env("ECR_ENABLED"), fileCfg.ECR.Enabled, false); err != nil {
		return runtimeConfig{}, fmt.Errorf("%sECR_ENABLED: %w", envPrefix, err)
	}

	if rc.RegistryTimeout, err = resolveDuration(env("REGISTRY_TIMEOUT"), fileCfg.RegistryTimeout, manifest.DefaultRequestTimeout); err != nil {
		return runtimeConfig{}, fmt.Errorf("%sREGISTRY_TIMEOUT: %w", envPrefix, err)
	}
	if rc.CacheTTL, err = resolveDuration(env("CACHE_TTL"), fileCfg.Cache.TTL, manifest.DefaultCacheTTL); err != nil {
		return runtimeConfig{}, fmt.Errorf("%sCACHE_TTL: %w", envPrefix, err)
	}
	if rc.FailureTTL, err = resolveDuration(env("CACHE_FAILURE_TTL"), fileCfg.Cache.FailureTTL, manifest.DefaultFailureCacheTTL); err != nil {
		return runtimeConfig{}, fmt.Errorf("%sCACHE_FAILURE_TTL: %w", envPrefix, err)
	}

	certPath := firstNonEmpty(env("SSL_CERT_PATH"), fileCfg.SSLCertPath, defaultSSLCertPath)
	keyPath := firstNonEmpty(env("SSL_KEY_PATH"), fileCfg.SSLKeyPath, defaultSSLKeyPath)
	if filepath.Dir(certPath) != filepath.Dir(keyPath) {
		return runtimeConfig{}, fmt.Errorf("certificate %s and key %s must live in the same directory", certPath, keyPath)
	}
	rc.CertDir = filepath.Dir(certPath)
	rc.CertName = filepath.Base(certPath)
	rc.KeyName = filepath.Base(keyPath)

	if rc.LogLevel, err = parseLogLevel(firstNonEmpty(env("LOG_LEVEL"), fileCfg.LogLevel, "info")); err != nil {
		return runtimeConfig{}, err
	}

	return rc, nil
}

// resolveList prefers the comma separated env value over the file values and
// drops blank entries.
func resolveList(envValue string, fallback []string) []string {
	source := fallback
	if strings.TrimSpace(envValue) != "" {
		source = strings.Split(envValue, ",")
	}
	out := make([]string, 0, len(source))
	for _, item := range source {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// resolveMap parses "k=v,k=v" from env, falling back to the file map. A nil
// result means neither source set the map.
func resolveMap(envValue string, fallback map[string]string) (map[string]string, error) {
	if strings.TrimSpace(envValue) == "" {
		if fallback == nil {
			return nil, nil
		}
		out := make(map[string]string, len(fallback))
		for k, v := range fallback {
			out[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		return out, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(envValue, ",") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

func resolveBool(envValue string, fallback *bool, def bool) (bool, error) {
	if envValue != "" {
		return strconv.ParseBool(envValue)
	}
	if fallback != nil {
		return *fallback, nil
	}
	return def, nil
}

func resolveDuration(envValue string, fallback *metav1.Duration, def time.Duration) (time.Duration, error) {
	d := def
	switch {
	case envValue != "":
		parsed, err := time.ParseDuration(envValue)
		if err != nil {
			return 0, err
		}
		d = parsed
	case fallback != nil:
		d = fallback.Duration
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", d)
	}
	return d, nil
}

// validateToleration checks that template only names corev1.Toleration
// fields and would pass API server validation once value is set.
func validateToleration(template map[string]string) error {
	raw, err := json.Marshal(template)
	if err != nil {
		return err
	}
	var tol corev1.Toleration
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&tol); err != nil {
		return err
	}
	switch tol.Operator {
	case "", corev1.TolerationOpEqual:
	case corev1.TolerationOpExists:
		return fmt.Errorf("operator %q cannot carry the architecture value", tol.Operator)
	default:
		return fmt.Errorf("unknown operator %q", tol.Operator)
	}
	switch tol.Effect {
	case "", corev1.TaintEffectNoSchedule, corev1.TaintEffectPreferNoSchedule, corev1.TaintEffectNoExecute:
	default:
		return fmt.Errorf("unknown effect %q", tol.Effect)
	}
	if tol.Key == "" {
		return fmt.Errorf("key is required")
	}
	return nil
}

func parseLogLevel(value string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(value))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("log level: %w", err)
	}
	return lvl, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

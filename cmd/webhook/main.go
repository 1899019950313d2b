package main

import (
	"context"
	"flag"
	"os"

	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/authn"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/controller-runtime/pkg/webhook"

	"github.com/matzegebbe/k8s-tolerable/internal/admission"
	"github.com/matzegebbe/k8s-tolerable/internal/manifest"
	"github.com/matzegebbe/k8s-tolerable/internal/registry"
	"github.com/matzegebbe/k8s-tolerable/pkg/metrics"
	"github.com/matzegebbe/k8s-tolerable/pkg/util"
)

// Set at build time with -ldflags "-X main.version=... -X main.gitHash=...".
var (
	version = "dev"
	gitHash = "unknown"
)

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

func main() {
	var metricsAddr string
	var probeAddr string
	var webhookPort int

	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "metrics bind address")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "health probe bind address")
	flag.IntVar(&webhookPort, "webhook-port", 8443, "port the admission webhook listens on")
	opts := zap.Options{Development: false}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	cfg, cfgErr := loadRuntimeConfig()
	if cfgErr == nil && opts.Level == nil {
		opts.Level = cfg.LogLevel
	}
	logger := zap.New(zap.UseFlagOptions(&opts))
	ctrl.SetLogger(logger)
	if cfgErr != nil {
		logger.Error(cfgErr, "resolve configuration failed")
		os.Exit(1)
	}
	logger.Info("starting k8s-tolerable", "version", version, "gitHash", gitHash,
		"configFile", cfg.ConfigPath, "configLoaded", cfg.ConfigLoaded,
		"architectures", cfg.Architectures, "failurePolicy", cfg.Policy.String())
	metrics.RecordAppInfo(version, gitHash)

	ctx := ctrl.SetupSignalHandler()

	keychain, err := buildKeychain(ctx, logger, cfg)
	if err != nil {
		logger.Error(err, "configure registry credentials failed")
		os.Exit(1)
	}
	rewrite, err := util.NewImageRewriter(cfg.Rewrites)
	if err != nil {
		logger.Error(err, "invalid image rewrite rules")
		os.Exit(1)
	}
	excluded, err := admission.NewNamespaceMatcher(cfg.ExcludeNamespaces)
	if err != nil {
		logger.Error(err, "invalid namespace exclusion pattern")
		os.Exit(1)
	}

	cache := manifest.NewCache(cfg.CacheTTL, cfg.FailureTTL)
	resolver := manifest.NewResolver(manifest.Options{
		HTTPClient:     registry.NewHTTPClient(cfg.InsecureSkipTLSVerify),
		Keychain:       keychain,
		Cache:          cache,
		RequestTimeout: cfg.RegistryTimeout,
		Rewrite:        rewrite,
		Logger:         ctrl.Log.WithName("manifest"),
	})
	mutator := admission.NewMutator(resolver, admission.Options{
		TargetArchitectures:   cfg.Architectures,
		Toleration:            cfg.Toleration,
		Policy:                cfg.Policy,
		IncludeInitContainers: cfg.IncludeInitContainers,
		ExcludeNamespaces:     excluded,
		Logger:                ctrl.Log.WithName("admission"),
	})
	if len(cfg.Architectures) == 0 || cfg.Toleration == nil {
		logger.Info("no target architectures or toleration template configured, pods will pass unchanged")
	}

	restCfg := ctrl.GetConfigOrDie()
	webhookServer := webhook.NewServer(webhook.Options{
		Port:     webhookPort,
		CertDir:  cfg.CertDir,
		CertName: cfg.CertName,
		KeyName:  cfg.KeyName,
	})
	mgr, err := ctrl.NewManager(restCfg, ctrl.Options{
		Scheme:                 scheme,
		Metrics:                server.Options{BindAddress: metricsAddr},
		HealthProbeBindAddress: probeAddr,
		WebhookServer:          webhookServer,
	})
	if err != nil {
		logger.Error(err, "unable to start manager")
		os.Exit(1)
	}

	webhookServer.Register("/mutate", &webhook.Admission{Handler: mutator})

	if err := registerAdminEndpoints(mgr, cache, resolver); err != nil {
		logger.Error(err, "register admin endpoints failed")
		os.Exit(1)
	}

	if len(cfg.ExcludeNamespaces) > 0 {
		client, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			logger.Error(err, "create kubernetes client failed")
			os.Exit(1)
		}
		nsLog := ctrl.Log.WithName("namespaces")
		if err := mgr.Add(manager.RunnableFunc(func(ctx context.Context) error {
			if _, err := reportExcludedNamespaces(ctx, nsLog, client, excluded.Patterns()); err != nil {
				nsLog.Error(err, "unable to check namespace exclusions")
			}
			return nil
		})); err != nil {
			logger.Error(err, "register namespace check failed")
			os.Exit(1)
		}
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		logger.Error(err, "healthz failed")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", webhookServer.StartedChecker()); err != nil {
		logger.Error(err, "readyz failed")
		os.Exit(1)
	}

	logger.Info("starting manager")
	if err := mgr.Start(ctx); err != nil {
		logger.Error(err, "manager exited non-zero")
		os.Exit(1)
	}
}

// buildKeychain chains credential files with the optional ECR keychain.
func buildKeychain(ctx context.Context, logger logr.Logger, cfg runtimeConfig) (authn.Keychain, error) {
	keychains := []authn.Keychain{registry.NewFileStore(cfg.CredentialPath, ctrl.Log.WithName("registry").WithName("credentials"))}
	if cfg.CredentialPath == "" {
		logger.Info("no registry credential path configured, registries are queried anonymously")
	}
	if cfg.ECREnabled {
		ecrKeychain, err := registry.NewECRKeychain(ctx, registry.ECRConfig{Region: cfg.ECRRegion, Timeout: cfg.RegistryTimeout})
		if err != nil {
			return nil, err
		}
		keychains = append(keychains, ecrKeychain)
	}
	return registry.NewKeychain(keychains...), nil
}

// Package manifest resolves the architectures an image supports by reading
// its manifest from the owning registry.
package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/authn"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	remotetransport "github.com/google/go-containerregistry/pkg/v1/remote/transport"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/matzegebbe/k8s-tolerable/internal/registry"
	"github.com/matzegebbe/k8s-tolerable/pkg/metrics"
	"github.com/matzegebbe/k8s-tolerable/pkg/reference"
)

const (
	// dockerHubHost serves the registry API for docker.io references.
	dockerHubHost = "registry-1.docker.io"

	DefaultRequestTimeout = 10 * time.Second

	maxManifestBytes = 4 << 20
	maxConfigBytes   = 8 << 20
)

type Options struct {
	// HTTPClient performs token and registry requests.
	HTTPClient *http.Client
	// Keychain supplies credentials keyed by the logical registry host.
	Keychain authn.Keychain
	// Cache memoizes results; a private cache with default TTLs is used when nil.
	Cache *Cache
	// RequestTimeout bounds one resolution; zero disables it.
	RequestTimeout time.Duration
	// Rewrite maps an image to the reference actually queried.
	Rewrite func(string) string
	// Scheme is "https" unless overridden.
	Scheme string
	Logger logr.Logger
}

type Resolver struct {
	client         *http.Client
	tokens         *registry.TokenClient
	keychain       authn.Keychain
	cache          *Cache
	requestTimeout time.Duration
	rewrite        func(string) string
	scheme         string
	logger         logr.Logger
}

func NewResolver(opts Options) *Resolver {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = ctrl.Log.WithName("manifest")
	}
	client := opts.HTTPClient
	if client == nil {
		client = registry.NewHTTPClient(false)
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewCache(DefaultCacheTTL, DefaultFailureCacheTTL)
	}
	scheme := opts.Scheme
	if scheme == "" {
		scheme = "https"
	}
	timeout := opts.RequestTimeout
	if timeout < 0 {
		timeout = 0
	}
	return &Resolver{
		client:         client,
		tokens:         registry.NewTokenClient(client, logger.WithName("token")),
		keychain:       opts.Keychain,
		cache:          cache,
		requestTimeout: timeout,
		rewrite:        opts.Rewrite,
		scheme:         scheme,
		logger:         logger,
	}
}

// Cache exposes the resolver's cache for administration.
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// Resolve returns the architectures image supports. Results, including
// failures, are cached under the raw image string. Concurrent callers share
// one resolution, which ignores the cancellation of whichever caller started
// it and is bounded by the request timeout instead.
func (r *Resolver) Resolve(ctx context.Context, image string) (ArchitectureSet, error) {
	return r.cache.Get(image, func() (ArchitectureSet, error) {
		return r.resolve(context.WithoutCancel(ctx), image)
	})
}

func (r *Resolver) resolve(ctx context.Context, image string) (ArchitectureSet, error) {
	log := r.loggerFrom(ctx).WithValues("image", image)

	target := image
	if r.rewrite != nil {
		if rewritten := r.rewrite(image); rewritten != image {
			log.V(1).Info("rewrote image before resolution", "rewritten", rewritten)
			target = rewritten
		}
	}

	ref, err := reference.Parse(target)
	if err != nil {
		return nil, r.fail(log, "", image, StageParse, err)
	}
	log = log.WithValues("registry", ref.Registry, "repository", ref.Repository, "reference", ref.Identifier())

	cred, err := registry.CredentialFor(r.keychain, ref.Registry)
	if err != nil {
		return nil, r.fail(log, ref.Registry, image, StageCredential, err)
	}

	opCtx, cancel := r.operationContext(ctx)
	defer cancel()

	base := fmt.Sprintf("%s://%s/v2/%s", r.scheme, wireHost(ref), ref.Repository)
	manifestURL := base + "/manifests/" + ref.Identifier()

	token, err := r.tokens.Token(opCtx, manifestURL, cred)
	switch {
	case errors.Is(err, registry.ErrMalformedChallenge):
		return nil, r.fail(log, ref.Registry, image, StageToken, err)
	case err != nil:
		logRegistryAuthError(log, err, "token exchange")
		log.Info("no bearer token obtained, requesting manifest anonymously", "reason", err.Error())
		token = ""
	}

	body, err := r.fetch(opCtx, manifestURL, token, acceptHeader(), maxManifestBytes)
	if err != nil {
		logRegistryAuthError(log, err, "manifest fetch")
		return nil, r.fail(log, ref.Registry, image, StageFetch, err)
	}

	doc, err := decodeDocument(body)
	if err != nil {
		return nil, r.fail(log, ref.Registry, image, StageDecode, err)
	}
	archs, config, err := doc.architectures()
	if err != nil {
		return nil, r.fail(log, ref.Registry, image, StageSchema, err)
	}
	if config != nil {
		archs, err = r.fetchConfigArchitecture(opCtx, base, token, config)
		if err != nil {
			stage := StageSchema
			var terr *remotetransport.Error
			if errors.As(err, &terr) || opCtx.Err() != nil {
				stage = StageFetch
			}
			return nil, r.fail(log, ref.Registry, image, stage, err)
		}
	}

	metrics.RecordResolution(ref.Registry, "success")
	log.V(1).Info("resolved image architectures", "architectures", archs.String())
	return archs, nil
}

func (r *Resolver) fetchConfigArchitecture(ctx context.Context, base, token string, desc *v1.Descriptor) (ArchitectureSet, error) {
	if desc.Digest.Hex == "" {
		return nil, fmt.Errorf("%w: image manifest config has no digest", ErrMissingArchitecture)
	}
	body, err := r.fetch(ctx, base+"/blobs/"+desc.Digest.String(), token, string(desc.MediaType), maxConfigBytes)
	if err != nil {
		return nil, err
	}
	cfg, err := v1.ParseConfigFile(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decode image config: %w", err)
	}
	return configArchitecture(cfg)
}

func (r *Resolver) fetch(ctx context.Context, target, token, accept string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := remotetransport.CheckError(resp, http.StatusOK); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("response from %s exceeds %d bytes", target, limit)
	}
	return body, nil
}

func (r *Resolver) fail(log logr.Logger, registryHost, image string, stage Stage, err error) error {
	metrics.RecordResolution(registryHost, string(stage))
	log.Info("architecture resolution failed", "stage", stage, "error", err.Error())
	return &ResolveError{Image: image, Stage: stage, Err: err}
}

func (r *Resolver) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.requestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.requestTimeout)
}

func (r *Resolver) loggerFrom(ctx context.Context) logr.Logger {
	if log := logr.FromContextOrDiscard(ctx); log.GetSink() != nil {
		return log.WithName("manifest")
	}
	return r.logger
}

func wireHost(ref reference.Reference) string {
	host := ref.Registry
	if host == reference.DefaultRegistry {
		host = dockerHubHost
	}
	if ref.Port != "" {
		host += ":" + ref.Port
	}
	return host
}

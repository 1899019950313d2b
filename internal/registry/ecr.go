package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	ecr "github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/authn"
	ctrl "sigs.k8s.io/controller-runtime"
)

var ecrHostPattern = regexp.MustCompile(`^(\d{12})\.dkr\.ecr(?:-fips)?\.([a-z0-9-]+)\.amazonaws\.com(?:\.cn)?$`)

var errNoECRAuthData = errors.New("no ECR auth data")

type ECRConfig struct {
	Region string
	// Timeout bounds a single GetAuthorizationToken call.
	Timeout time.Duration
}

type ecrTokenAPI interface {
	GetAuthorizationToken(ctx context.Context, in *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

// ECRKeychain answers for <account>.dkr.ecr.<region>.amazonaws.com hosts
// with a freshly requested authorization token. Other hosts, and ECR hosts
// whose token request fails, resolve to anonymous so the registry decides.
type ECRKeychain struct {
	ctx     context.Context
	client  ecrTokenAPI
	timeout time.Duration
	logger  logr.Logger
}

func NewECRKeychain(ctx context.Context, cfg ECRConfig) (*ECRKeychain, error) {
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}
	return newECRKeychain(ctx, ecr.NewFromConfig(awsCfg), cfg.Timeout), nil
}

func newECRKeychain(ctx context.Context, client ecrTokenAPI, timeout time.Duration) *ECRKeychain {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ECRKeychain{
		ctx:     ctx,
		client:  client,
		timeout: timeout,
		logger:  ctrl.Log.WithName("registry").WithName("ecr"),
	}
}

func (k *ECRKeychain) Resolve(resource authn.Resource) (authn.Authenticator, error) {
	host := strings.ToLower(resource.RegistryStr())
	match := ecrHostPattern.FindStringSubmatch(host)
	if match == nil {
		return authn.Anonymous, nil
	}
	user, pass, err := k.BasicAuth(match[1])
	if err != nil {
		k.logger.Info("no ECR credential, continuing anonymously", "registry", host, "error", err.Error())
		return authn.Anonymous, nil
	}
	return &authn.Basic{Username: user, Password: pass}, nil
}

// BasicAuth requests an authorization token for the given registry account
// and splits it into user and password.
func (k *ECRKeychain) BasicAuth(accountID string) (username, password string, err error) {
	log := k.logger.WithValues("account", accountID)

	ctx := k.ctx
	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}

	in := &ecr.GetAuthorizationTokenInput{}
	if accountID != "" {
		in.RegistryIds = []string{accountID}
	}
	out, err := k.client.GetAuthorizationToken(ctx, in)
	if err != nil {
		log.Error(err, "failed to get authorization token")
		return "", "", fmt.Errorf("get ECR authorization token: %w", err)
	}
	if len(out.AuthorizationData) == 0 || out.AuthorizationData[0].AuthorizationToken == nil {
		log.Error(errNoECRAuthData, "received empty authorization data")
		return "", "", errNoECRAuthData
	}
	dec, err := base64.StdEncoding.DecodeString(aws.ToString(out.AuthorizationData[0].AuthorizationToken))
	if err != nil {
		log.Error(err, "failed to decode authorization token")
		return "", "", fmt.Errorf("decode ECR authorization token: %w", err)
	}
	user, pass, ok := strings.Cut(string(dec), ":")
	if !ok {
		unexpectedErr := errors.New("unexpected ECR token format")
		log.Error(unexpectedErr, "authorization token in unexpected format")
		return "", "", unexpectedErr
	}
	log.V(1).Info("obtained ECR authorization token")
	return user, pass, nil
}

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	ctrl "sigs.k8s.io/controller-runtime"
)

const (
	// ChallengeHeader carries the registry's authentication challenge.
	ChallengeHeader = "WWW-Authenticate"

	maxTokenResponseBytes = 1 << 20
)

var (
	// ErrNoToken means the token endpoint answered without a usable token.
	ErrNoToken = errors.New("token endpoint returned no token")
	// ErrMalformedChallenge means the WWW-Authenticate header did not match
	// Bearer realm="...",service="...",scope="...".
	ErrMalformedChallenge = errors.New("malformed authentication challenge")
)

var challengePattern = regexp.MustCompile(`^(?i:bearer)\s+realm="([^"]+)",\s*service="([^"]+)",\s*scope="([^"]+)"$`)

// Challenge is a parsed bearer challenge.
type Challenge struct {
	Realm   string
	Service string
	Scope   string
}

func ParseChallenge(header string) (Challenge, error) {
	m := challengePattern.FindStringSubmatch(strings.TrimSpace(header))
	if m == nil {
		return Challenge{}, fmt.Errorf("%w: %q", ErrMalformedChallenge, header)
	}
	ch := Challenge{Realm: m[1], Service: m[2], Scope: m[3]}
	u, err := url.Parse(ch.Realm)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Challenge{}, fmt.Errorf("%w: realm %q is not an absolute URL", ErrMalformedChallenge, ch.Realm)
	}
	return ch, nil
}

// TokenURL is the realm with service and scope added to its query.
func (c Challenge) TokenURL() string {
	u, err := url.Parse(c.Realm)
	if err != nil {
		return c.Realm
	}
	q := u.Query()
	q.Set("service", c.Service)
	q.Set("scope", c.Scope)
	u.RawQuery = q.Encode()
	return u.String()
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// TokenClient performs the challenge/token exchange in front of a manifest
// request.
type TokenClient struct {
	client *http.Client
	logger logr.Logger
}

func NewTokenClient(client *http.Client, logger logr.Logger) *TokenClient {
	if client == nil {
		client = http.DefaultClient
	}
	if logger.GetSink() == nil {
		logger = ctrl.Log.WithName("registry").WithName("token")
	}
	return &TokenClient{client: client, logger: logger}
}

// Token probes manifestURL without credentials. An empty token and nil error
// mean the registry issued no challenge. Otherwise the challenge is answered
// at its realm, with basic auth when cred is set.
func (c *TokenClient) Token(ctx context.Context, manifestURL string, cred *Credential) (string, error) {
	log := c.logger.WithValues("url", manifestURL)

	probe, err := c.get(ctx, manifestURL, nil)
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", manifestURL, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(probe.Body, maxTokenResponseBytes))
	_ = probe.Body.Close()

	header := probe.Header.Get(ChallengeHeader)
	if header == "" {
		log.V(1).Info("registry issued no challenge", "status", probe.StatusCode)
		return "", nil
	}
	challenge, err := ParseChallenge(header)
	if err != nil {
		return "", err
	}

	tokenURL := challenge.TokenURL()
	log = log.WithValues("realm", challenge.Realm, "service", challenge.Service, "scope", challenge.Scope)
	resp, err := c.get(ctx, tokenURL, cred)
	if err != nil {
		return "", fmt.Errorf("request token from %s: %w", challenge.Realm, err)
	}
	defer resp.Body.Close()
	if err := transport.CheckError(resp, http.StatusOK); err != nil {
		return "", fmt.Errorf("request token from %s: %w", challenge.Realm, err)
	}

	var body tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTokenResponseBytes)).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response from %s: %w", challenge.Realm, err)
	}
	token := body.Token
	if token == "" {
		token = body.AccessToken
	}
	if token == "" {
		return "", ErrNoToken
	}
	log.V(1).Info("obtained bearer token", "authenticated", cred != nil)
	return token, nil
}

func (c *TokenClient) get(ctx context.Context, target string, cred *Credential) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if cred != nil {
		req.SetBasicAuth(cred.Username, cred.Secret)
	}
	return c.client.Do(req)
}

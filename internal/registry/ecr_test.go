package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	ecr "github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/google/go-containerregistry/pkg/authn"
)

type fakeECR struct {
	token string
	err   error
	calls []*ecr.GetAuthorizationTokenInput
}

func (f *fakeECR) GetAuthorizationToken(_ context.Context, in *ecr.GetAuthorizationTokenInput, _ ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	if f.token == "" {
		return &ecr.GetAuthorizationTokenOutput{}, nil
	}
	return &ecr.GetAuthorizationTokenOutput{
		AuthorizationData: []types.AuthorizationData{{AuthorizationToken: aws.String(f.token)}},
	}, nil
}

func TestECRKeychainResolvesECRHosts(t *testing.T) {
	fake := &fakeECR{token: base64.StdEncoding.EncodeToString([]byte("AWS:password"))}
	kc := newECRKeychain(context.Background(), fake, 0)

	auth, err := kc.Resolve(Resource("123456789012.dkr.ecr.eu-central-1.amazonaws.com"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	cfg, err := auth.Authorization()
	if err != nil {
		t.Fatalf("authorization: %v", err)
	}
	if cfg.Username != "AWS" || cfg.Password != "password" {
		t.Fatalf("unexpected auth config %+v", cfg)
	}
	if len(fake.calls) != 1 || len(fake.calls[0].RegistryIds) != 1 || fake.calls[0].RegistryIds[0] != "123456789012" {
		t.Fatalf("expected one token request for the account, got %+v", fake.calls)
	}

	if _, err := kc.Resolve(Resource("123456789012.dkr.ecr.eu-central-1.amazonaws.com")); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if len(fake.calls) != 2 {
		t.Fatalf("expected tokens to be requested per resolution, got %d calls", len(fake.calls))
	}
}

func TestECRKeychainIgnoresOtherHosts(t *testing.T) {
	fake := &fakeECR{}
	kc := newECRKeychain(context.Background(), fake, 0)

	auth, err := kc.Resolve(Resource("quay.io"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if auth != authn.Anonymous {
		t.Fatalf("expected anonymous auth for non-ECR host")
	}
	if len(fake.calls) != 0 {
		t.Fatalf("expected no ECR calls, got %d", len(fake.calls))
	}
}

func TestECRKeychainFailuresFallBackToAnonymous(t *testing.T) {
	host := Resource("123456789012.dkr.ecr.us-east-1.amazonaws.com")
	boom := errors.New("denied")

	cases := []struct {
		name string
		fake *fakeECR
	}{
		{name: "api error", fake: &fakeECR{err: boom}},
		{name: "empty data", fake: &fakeECR{}},
		{name: "not base64", fake: &fakeECR{token: "%%%"}},
		{name: "no separator", fake: &fakeECR{token: base64.StdEncoding.EncodeToString([]byte("nocolon"))}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kc := newECRKeychain(context.Background(), tc.fake, 0)
			if _, _, err := kc.BasicAuth("123456789012"); err == nil {
				t.Fatalf("expected error")
			}
			auth, err := kc.Resolve(host)
			if err != nil {
				t.Fatalf("expected resolve to fall back to anonymous, got %v", err)
			}
			if auth != authn.Anonymous {
				t.Fatalf("expected anonymous auth after token failure")
			}
			cred, err := CredentialFor(kc, string(host))
			if err != nil || cred != nil {
				t.Fatalf("expected no credential and no error, got %+v %v", cred, err)
			}
		})
	}
}

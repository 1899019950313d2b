package manifest

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"
	remotetransport "github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

// Stage names the step of a resolution that failed.
type Stage string

const (
	StageParse      Stage = "parse"
	StageCredential Stage = "credential"
	StageToken      Stage = "token"
	StageFetch      Stage = "fetch"
	StageDecode     Stage = "decode"
	StageSchema     Stage = "schema"
)

var (
	ErrUnsupportedSchema   = errors.New("unsupported manifest schema")
	ErrMissingArchitecture = errors.New("manifest does not declare an architecture")
)

// ResolveError reports a failed resolution. The architecture of Image is
// unknown until the entry expires from the cache.
type ResolveError struct {
	Image string
	Stage Stage
	Err   error
}

func (e *ResolveError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("resolve %s: %s: %v", e.Image, e.Stage, e.Err)
}

func (e *ResolveError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StageOf returns the failing stage of err when it is a ResolveError.
func StageOf(err error) (Stage, bool) {
	var rerr *ResolveError
	if !errors.As(err, &rerr) {
		return "", false
	}
	return rerr.Stage, true
}

type registryAuthError struct {
	statusCode  int
	diagnostics []string
}

func logRegistryAuthError(log logr.Logger, err error, phase string) {
	if info, ok := detectRegistryAuthError(err); ok {
		msg := fmt.Sprintf("authentication to source registry failed during %s", phase)
		fields := []any{"statusCode", info.statusCode}
		if len(info.diagnostics) > 0 {
			fields = append(fields, "details", info.diagnostics)
		}
		log.Error(err, msg, fields...)
	}
}

func detectRegistryAuthError(err error) (*registryAuthError, bool) {
	var transportErr *remotetransport.Error
	if !errors.As(err, &transportErr) {
		return nil, false
	}

	if !isRegistryAuthStatus(transportErr.StatusCode) && !hasRegistryAuthDiagnostic(transportErr.Errors) {
		return nil, false
	}

	diagnostics := make([]string, 0, len(transportErr.Errors))
	for _, diag := range transportErr.Errors {
		diagnostics = append(diagnostics, diag.String())
	}

	return &registryAuthError{statusCode: transportErr.StatusCode, diagnostics: diagnostics}, true
}

func isRegistryAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func hasRegistryAuthDiagnostic(diags []remotetransport.Diagnostic) bool {
	for _, diag := range diags {
		if diag.Code == remotetransport.UnauthorizedErrorCode || diag.Code == remotetransport.DeniedErrorCode {
			return true
		}
	}
	return false
}

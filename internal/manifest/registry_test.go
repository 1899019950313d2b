package manifest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeRegistry serves manifests and blobs by path. When token is set, it
// challenges anonymous requests and accepts "Bearer <token>".
type fakeRegistry struct {
	t         *testing.T
	srv       *httptest.Server
	manifests map[string]string
	blobs     map[string]string
	token     string
	tokenBody string
	challenge string

	mu             sync.Mutex
	manifestGets   int
	tokenRequests  int
	manifestAuth   []string
	tokenBasicUser string
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	t.Helper()
	f := &fakeRegistry{t: t, manifests: map[string]string{}, blobs: map[string]string{}}
	f.srv = httptest.NewTLSServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRegistry) host() string {
	return strings.TrimPrefix(f.srv.URL, "https://")
}

func (f *fakeRegistry) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/token" {
		f.mu.Lock()
		f.tokenRequests++
		if user, _, ok := r.BasicAuth(); ok {
			f.tokenBasicUser = user
		}
		f.mu.Unlock()
		body := f.tokenBody
		if body == "" {
			body = fmt.Sprintf(`{"token":%q}`, f.token)
		}
		fmt.Fprint(w, body)
		return
	}

	auth := r.Header.Get("Authorization")
	if r.Header.Get("Accept") != "" && strings.Contains(r.URL.Path, "/manifests/") {
		f.mu.Lock()
		f.manifestGets++
		f.manifestAuth = append(f.manifestAuth, auth)
		f.mu.Unlock()
	}

	if f.challenge != "" || f.token != "" {
		if auth != "Bearer "+f.token || f.token == "" {
			challenge := f.challenge
			if challenge == "" {
				challenge = fmt.Sprintf(`Bearer realm="%s/token",service="fake",scope="repository:team/app:pull"`, f.srv.URL)
			}
			w.Header().Set("WWW-Authenticate", challenge)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"errors":[{"code":"UNAUTHORIZED","message":"authentication required"}]}`)
			return
		}
	}

	f.mu.Lock()
	manifest, isManifest := f.manifests[r.URL.Path]
	blob, isBlob := f.blobs[r.URL.Path]
	f.mu.Unlock()

	if isManifest {
		w.Header().Set("Content-Type", "application/vnd.docker.distribution.manifest.list.v2+json")
		fmt.Fprint(w, manifest)
		return
	}
	if isBlob {
		fmt.Fprint(w, blob)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprint(w, `{"errors":[{"code":"MANIFEST_UNKNOWN","message":"manifest unknown"}]}`)
}

func (f *fakeRegistry) setManifest(path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manifests[path] = body
}

func (f *fakeRegistry) gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.manifestGets
}

func (f *fakeRegistry) snapshot() (tokenRequests int, tokenUser string, manifestAuth []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenRequests, f.tokenBasicUser, append([]string(nil), f.manifestAuth...)
}

func manifestList(archs ...string) string {
	entries := make([]string, 0, len(archs))
	for _, arch := range archs {
		entries = append(entries, fmt.Sprintf(`{"mediaType":"application/vnd.docker.distribution.manifest.v2+json","size":1,"platform":{"architecture":%q,"os":"linux"}}`, arch))
	}
	return fmt.Sprintf(`{"schemaVersion":2,"mediaType":"application/vnd.docker.distribution.manifest.list.v2+json","manifests":[%s]}`, strings.Join(entries, ","))
}

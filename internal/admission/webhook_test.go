package admission

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-logr/logr/testr"
	admissionv1 "k8s.io/api/admission/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/webhook"

	"github.com/matzegebbe/k8s-tolerable/internal/manifest"
)

const nginxList = `{"schemaVersion":2,"mediaType":"application/vnd.docker.distribution.manifest.list.v2+json","manifests":[
{"mediaType":"application/vnd.docker.distribution.manifest.v2+json","size":1,"platform":{"architecture":"amd64","os":"linux"}},
{"mediaType":"application/vnd.docker.distribution.manifest.v2+json","size":1,"platform":{"architecture":"arm64","os":"linux","variant":"v8"}}]}`

func TestWebhookAddsArm64TolerationForMultiArchImage(t *testing.T) {
	registrySrv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/library/nginx/manifests/latest" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.docker.distribution.manifest.list.v2+json")
		fmt.Fprint(w, nginxList)
	}))
	defer registrySrv.Close()
	host := strings.TrimPrefix(registrySrv.URL, "https://")

	resolver := manifest.NewResolver(manifest.Options{
		HTTPClient: registrySrv.Client(),
		Rewrite: func(image string) string {
			if image == "nginx:latest" {
				return host + "/library/nginx:latest"
			}
			return image
		},
		Logger: testr.New(t),
	})
	mutator := NewMutator(resolver, Options{
		TargetArchitectures: []string{"arm64"},
		Toleration:          map[string]string{"key": "kubernetes.io/arch", "operator": "Equal", "effect": "NoSchedule"},
		Logger:              testr.New(t),
	})
	handler := &webhook.Admission{Handler: mutator}

	pod := &corev1.Pod{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Pod"},
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "default"},
		Spec:       corev1.PodSpec{Containers: []corev1.Container{{Name: "nginx", Image: "nginx:latest"}}},
	}
	rawPod, err := json.Marshal(pod)
	if err != nil {
		t.Fatalf("marshal pod: %v", err)
	}
	review := admissionv1.AdmissionReview{
		TypeMeta: metav1.TypeMeta{APIVersion: "admission.k8s.io/v1", Kind: "AdmissionReview"},
		Request: &admissionv1.AdmissionRequest{
			UID:       "4f1d2c1e-0000-4000-8000-000000000001",
			Kind:      metav1.GroupVersionKind{Version: "v1", Kind: "Pod"},
			Resource:  metav1.GroupVersionResource{Version: "v1", Resource: "pods"},
			Namespace: "default",
			Operation: admissionv1.Create,
			Object:    runtime.RawExtension{Raw: rawPod},
		},
	}
	body, err := json.Marshal(review)
	if err != nil {
		t.Fatalf("marshal review: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/mutate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected HTTP 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out admissionv1.AdmissionReview
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	resp := out.Response
	if resp == nil || !resp.Allowed || resp.UID != review.Request.UID {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.PatchType == nil || *resp.PatchType != admissionv1.PatchTypeJSONPatch {
		t.Fatalf("expected JSONPatch patch type, got %v", resp.PatchType)
	}

	var ops []map[string]interface{}
	if err := json.Unmarshal(resp.Patch, &ops); err != nil {
		t.Fatalf("decode patch: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected two operations, got %d: %s", len(ops), resp.Patch)
	}
	if ops[0]["op"] != "add" || ops[0]["path"] != "/spec/tolerations" {
		t.Fatalf("expected tolerations initialisation first, got %v", ops[0])
	}
	if ops[1]["op"] != "add" || ops[1]["path"] != "/spec/tolerations/-" {
		t.Fatalf("expected toleration append, got %v", ops[1])
	}
	value, _ := ops[1]["value"].(map[string]interface{})
	if value["value"] != "arm64" || value["key"] != "kubernetes.io/arch" || value["effect"] != "NoSchedule" {
		t.Fatalf("unexpected toleration %v", value)
	}
}

// Package admission decides which architecture tolerations a Pod receives
// and expresses them as a JSON Patch.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-logr/logr"
	"gomodules.xyz/jsonpatch/v2"
	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/matzegebbe/k8s-tolerable/internal/manifest"
	"github.com/matzegebbe/k8s-tolerable/pkg/metrics"
	"github.com/matzegebbe/k8s-tolerable/pkg/util"
)

const podKind = "Pod"

// Review outcomes recorded in metrics.
const (
	outcomeSkipped      = "skipped"
	outcomeExcluded     = "excluded"
	outcomeAnomaly      = "anomaly"
	outcomeUnconfigured = "unconfigured"
	outcomeDenied       = "denied"
	outcomePatched      = "patched"
	outcomeUnchanged    = "unchanged"
)

// ArchitectureResolver returns the architectures an image supports.
type ArchitectureResolver interface {
	Resolve(ctx context.Context, image string) (manifest.ArchitectureSet, error)
}

type Options struct {
	// TargetArchitectures are matched independently, in order.
	TargetArchitectures []string
	// Toleration is the template every added toleration starts from; its
	// value field is set to the matched architecture. Nil means unconfigured,
	// an empty map yields tolerations carrying only the value.
	Toleration            map[string]string
	Policy                Policy
	IncludeInitContainers bool
	ExcludeNamespaces     *NamespaceMatcher
	Logger                logr.Logger
}

// Mutator is the admission handler adding architecture tolerations to Pods.
type Mutator struct {
	resolver    ArchitectureResolver
	targets     []string
	toleration  map[string]string
	policy      Policy
	includeInit bool
	excluded    *NamespaceMatcher
	logger      logr.Logger
}

var _ admission.Handler = &Mutator{}

func NewMutator(resolver ArchitectureResolver, opts Options) *Mutator {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = ctrl.Log.WithName("admission")
	}
	var toleration map[string]string
	if opts.Toleration != nil {
		toleration = make(map[string]string, len(opts.Toleration))
		for k, v := range opts.Toleration {
			toleration[k] = v
		}
	}
	return &Mutator{
		resolver:    resolver,
		targets:     append([]string(nil), opts.TargetArchitectures...),
		toleration:  toleration,
		policy:      opts.Policy,
		includeInit: opts.IncludeInitContainers,
		excluded:    opts.ExcludeNamespaces,
		logger:      logger,
	}
}

func (m *Mutator) Handle(ctx context.Context, req admission.Request) admission.Response {
	log := m.loggerFrom(ctx).WithValues(
		"uid", req.UID,
		"kind", req.Kind.Kind,
		"namespace", req.Namespace,
		"operation", req.Operation,
	)

	if req.Kind.Kind != podKind {
		log.V(1).Info("ignoring non-pod object")
		metrics.RecordReview(outcomeSkipped)
		return admission.Allowed("")
	}

	if pattern, ok := m.excluded.Match(req.Namespace); ok {
		log.V(1).Info("namespace excluded from evaluation", "pattern", pattern)
		metrics.RecordReview(outcomeExcluded)
		return admission.Allowed("")
	}

	var pod map[string]interface{}
	if err := json.Unmarshal(req.Object.Raw, &pod); err != nil {
		return m.anomaly(log, fmt.Sprintf("unable to decode pod object: %v", err))
	}
	if pod == nil {
		return m.anomaly(log, "admission request carries no pod object")
	}
	log = log.WithValues("pod", podName(pod, req.Name))

	if _, found, err := unstructured.NestedFieldNoCopy(pod, "spec"); err != nil || !found {
		return m.anomaly(log, "pod has no spec")
	}
	images, err := util.ImagesFromPodObject(pod, m.includeInit)
	if err != nil {
		if errors.Is(err, util.ErrNoContainers) {
			return m.anomaly(log, "pod spec has no containers")
		}
		return m.anomaly(log, fmt.Sprintf("unable to read pod containers: %v", err))
	}

	if !hasAppContainers(images) {
		log.V(1).Info("pod lists no containers, nothing to match")
		metrics.RecordReview(outcomeUnchanged)
		return admission.Allowed("")
	}

	if len(m.targets) == 0 || m.toleration == nil {
		log.Info("webhook is not configured, admitting pod without changes", "reason", ErrNoTargets.Error())
		metrics.RecordReview(outcomeUnconfigured)
		if m.policy == FailClosed {
			return admission.Denied(ErrNoTargets.Error())
		}
		return admission.Allowed("")
	}

	resolved, failed := m.resolveImages(ctx, log, util.UniqueImages(images))
	if len(failed) > 0 && m.policy == FailClosed {
		msg := fmt.Sprintf("unable to resolve architectures for %s", strings.Join(failed, ", "))
		log.Info("denying pod", "reason", msg)
		metrics.RecordReview(outcomeDenied)
		return admission.Denied(msg)
	}

	var patches []jsonpatch.JsonPatchOperation
	for _, arch := range m.targets {
		if !supportsArchitecture(log, images, resolved, arch) {
			continue
		}
		log.Info("all containers support architecture, adding toleration", "architecture", arch)
		metrics.RecordToleration(arch)
		patches = append(patches, addToleration(tolerationFor(m.toleration, arch)))
	}

	if len(patches) == 0 {
		log.V(1).Info("no target architecture supported by every container")
		metrics.RecordReview(outcomeUnchanged)
		return admission.Allowed("")
	}
	if !hasTolerations(pod) {
		patches = append([]jsonpatch.JsonPatchOperation{initTolerations()}, patches...)
	}
	metrics.RecordReview(outcomePatched)
	return admission.Patched("", patches...)
}

// resolveImages resolves every image once. Images whose resolution failed
// are absent from the result and listed in failed.
func (m *Mutator) resolveImages(ctx context.Context, log logr.Logger, images []string) (map[string]manifest.ArchitectureSet, []string) {
	resolved := make(map[string]manifest.ArchitectureSet, len(images))
	var failed []string
	for _, image := range images {
		archs, err := m.resolver.Resolve(ctx, image)
		if err != nil {
			stage, _ := manifest.StageOf(err)
			log.Info("architectures unknown for image", "image", image, "stage", stage, "error", err.Error())
			failed = append(failed, image)
			continue
		}
		log.V(1).Info("resolved image architectures", "image", image, "architectures", archs.String())
		resolved[image] = archs
	}
	return resolved, failed
}

func supportsArchitecture(log logr.Logger, images []util.PodImage, resolved map[string]manifest.ArchitectureSet, arch string) bool {
	for _, img := range images {
		archs, ok := resolved[img.Image]
		if !ok {
			log.V(1).Info("architecture unknown, skipping target", "architecture", arch, "container", img.Container, "image", img.Image)
			return false
		}
		if !archs.Contains(arch) {
			log.V(1).Info("container does not support architecture", "architecture", arch, "container", img.Container, "image", img.Image)
			return false
		}
	}
	return true
}

// anomaly reports a Pod that cannot be evaluated: admitted with a 400 status
// under FailOpen, denied under FailClosed.
func (m *Mutator) anomaly(log logr.Logger, msg string) admission.Response {
	log.Info("unable to evaluate pod", "reason", msg, "policy", m.policy.String())
	metrics.RecordReview(outcomeAnomaly)
	return admission.Response{
		AdmissionResponse: admissionv1.AdmissionResponse{
			Allowed: m.policy == FailOpen,
			Result: &metav1.Status{
				Status:  metav1.StatusFailure,
				Code:    http.StatusBadRequest,
				Reason:  metav1.StatusReasonBadRequest,
				Message: msg,
			},
		},
	}
}

func hasAppContainers(images []util.PodImage) bool {
	for _, img := range images {
		if !img.Init {
			return true
		}
	}
	return false
}

func hasTolerations(pod map[string]interface{}) bool {
	value, found, err := unstructured.NestedFieldNoCopy(pod, "spec", "tolerations")
	return err == nil && found && value != nil
}

func podName(pod map[string]interface{}, fallback string) string {
	if name, _, _ := unstructured.NestedString(pod, "metadata", "name"); name != "" {
		return name
	}
	if name, _, _ := unstructured.NestedString(pod, "metadata", "generateName"); name != "" {
		return name
	}
	return fallback
}

func (m *Mutator) loggerFrom(ctx context.Context) logr.Logger {
	if log := logr.FromContextOrDiscard(ctx); log.GetSink() != nil {
		return log
	}
	return m.logger
}

package admission

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/trow-registry/trow/configuration"
	"github.com/trow-registry/trow/internal/dcontext"
	jsonpatch "gomodules.xyz/jsonpatch/v2"
	admissionv1 "k8s.io/api/admission/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Controller serves the registry's admission webhook endpoints.
type Controller struct {
	config *configuration.Configuration
}

// NewController builds a Controller from the registry configuration.
func NewController(config *configuration.Configuration) *Controller {
	return &Controller{config: config}
}

// Register mounts the controller's routes on mux. Grounded on the rest of
// this codebase's plain net/http handler idiom rather than the teacher's
// gorilla/mux dispatcher, since these two routes sit outside the OCI
// distribution route table and carry no repository/reference context.
func (c *Controller) Register(mux *http.ServeMux) {
	mux.HandleFunc("/validate-image", c.ValidateImage)
	mux.HandleFunc("/mutate-image", c.MutateImage)
}

// ValidateImage implements spec.md §4.7's validating webhook: every
// container and init-container image in the admitted Pod is checked
// against the configured allow/deny policy; the response aggregates the
// per-image reasons for any denial.
func (c *Controller) ValidateImage(w http.ResponseWriter, r *http.Request) {
	review, pod, err := decodeReview(r)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := &admissionv1.AdmissionResponse{
		UID:     review.Request.UID,
		Allowed: true,
	}

	var reasons []string
	for _, img := range podImages(pod) {
		result := checkImageAllowed(img, c.config.Admission.Validation)
		if !result.allowed {
			resp.Allowed = false
			reasons = append(reasons, fmt.Sprintf("%s: %s", img, result.reason))
		}
	}
	if !resp.Allowed {
		resp.Result = &metav1.Status{Message: joinReasons(reasons)}
	}

	writeReview(w, r, review, resp)
}

// MutateImage implements spec.md §4.7's mutating webhook: any image
// reference matching a configured proxy upstream's host is rewritten to
// its local f/<alias>/<repo> form via an RFC 6902 JSON-Patch "replace" per
// rewritten image. Images matching no proxy are left untouched.
func (c *Controller) MutateImage(w http.ResponseWriter, r *http.Request) {
	review, pod, err := decodeReview(r)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := &admissionv1.AdmissionResponse{
		UID:     review.Request.UID,
		Allowed: true,
	}

	localHost := c.config.HTTP.Host
	if localHost == "" {
		localHost = "trow.io"
	}

	var ops []jsonpatch.Operation
	for path, img := range podImagePaths(pod) {
		rewritten, ok := rewrittenImage(img, localHost, c.config.Proxy.Proxies)
		if !ok {
			continue
		}
		ops = append(ops, jsonpatch.Operation{
			Operation: "replace",
			Path:      path,
			Value:     rewritten,
		})
	}

	if len(ops) > 0 {
		patch, err := json.Marshal(ops)
		if err != nil {
			writeError(w, err)
			return
		}
		pt := admissionv1.PatchTypeJSONPatch
		resp.Patch = patch
		resp.PatchType = &pt
	}

	writeReview(w, r, review, resp)
}

func decodeReview(r *http.Request) (*admissionv1.AdmissionReview, *corev1.Pod, error) {
	var review admissionv1.AdmissionReview
	if err := json.NewDecoder(r.Body).Decode(&review); err != nil {
		return nil, nil, fmt.Errorf("decoding admission review: %w", err)
	}
	if review.Request == nil {
		return nil, nil, fmt.Errorf("admission review carried no request")
	}

	var pod corev1.Pod
	if err := json.Unmarshal(review.Request.Object.Raw, &pod); err != nil {
		return nil, nil, fmt.Errorf("decoding admitted pod: %w", err)
	}

	return &review, &pod, nil
}

func podImages(pod *corev1.Pod) []string {
	var images []string
	for _, c := range pod.Spec.InitContainers {
		images = append(images, c.Image)
	}
	for _, c := range pod.Spec.Containers {
		images = append(images, c.Image)
	}
	return images
}

// podImagePaths maps each container's image to its JSON-Pointer path
// within the Pod spec, for building per-image JSON-Patch operations.
func podImagePaths(pod *corev1.Pod) map[string]string {
	paths := make(map[string]string)
	for i, c := range pod.Spec.InitContainers {
		paths[fmt.Sprintf("/spec/initContainers/%d/image", i)] = c.Image
	}
	for i, c := range pod.Spec.Containers {
		paths[fmt.Sprintf("/spec/containers/%d/image", i)] = c.Image
	}
	return paths
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += "; "
		}
		out += r
	}
	return out
}

func writeReview(w http.ResponseWriter, r *http.Request, review *admissionv1.AdmissionReview, resp *admissionv1.AdmissionResponse) {
	out := admissionv1.AdmissionReview{
		TypeMeta: review.TypeMeta,
		Response: resp,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		dcontext.GetLogger(r.Context()).Errorf("admission: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(admissionv1.AdmissionReview{
		Response: &admissionv1.AdmissionResponse{
			Allowed: false,
			Result:  &metav1.Status{Message: err.Error()},
		},
	})
}

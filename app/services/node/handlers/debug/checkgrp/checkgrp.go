// Package checkgrp maintains the group of handlers for health checking.
package checkgrp

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/seagullcoin/blockchain/foundation/blockchain/state"
	"go.uber.org/zap"
)

// Handlers manages the set of check endpoints.
type Handlers struct {
	Build string
	Log   *zap.SugaredLogger
	State *state.State
}

// Readiness checks if the stored chain is intact so the node can take
// traffic. The check walks storage, so keep the probe interval generous.
func (h Handlers) Readiness(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	statusCode := http.StatusOK

	broken, blocks, err := h.State.VerifyChain()
	switch {
	case err != nil:
		status = "storage not ready"
		statusCode = http.StatusInternalServerError
		h.Log.Errorw("readiness failure", "ERROR", err)
	case len(broken) > 0:
		status = "chain broken"
		statusCode = http.StatusInternalServerError
		h.Log.Errorw("readiness failure", "ERROR", broken[0])
	}

	data := struct {
		Status string `json:"status"`
		Blocks int    `json:"blocks"`
	}{
		Status: status,
		Blocks: blocks,
	}

	if err := response(w, statusCode, data); err != nil {
		h.Log.Errorw("readiness", "ERROR", err)
	}

	h.Log.Infow("readiness", "statusCode", statusCode, "method", r.Method, "path", r.URL.Path, "remoteaddr", r.RemoteAddr)
}

// Liveness returns simple status info if the service is alive. If the
// app is deployed to a Kubernetes cluster, it will also return pod, node, and
// namespace details via the Downward API. The Kubernetes environment variables
// need to be set within your Pod/Deployment manifest.
func (h Handlers) Liveness(w http.ResponseWriter, r *http.Request) {
	host, err := os.Hostname()
	if err != nil {
		host = "unavailable"
	}

	latest := h.State.LatestBlock()

	data := struct {
		Status      string `json:"status,omitempty"`
		Build       string `json:"build,omitempty"`
		Host        string `json:"host,omitempty"`
		NodeID      string `json:"node_id,omitempty"`
		Validator   bool   `json:"validator"`
		LatestBlock uint64 `json:"latest_block"`
		Pod         string `json:"pod,omitempty"`
		PodIP       string `json:"podIP,omitempty"`
		Node        string `json:"node,omitempty"`
		Namespace   string `json:"namespace,omitempty"`
	}{
		Status:      "up",
		Build:       h.Build,
		Host:        host,
		NodeID:      h.State.NodeID(),
		Validator:   h.State.IsValidator(),
		LatestBlock: latest.Index,
		Pod:         os.Getenv("KUBERNETES_PODNAME"),
		PodIP:       os.Getenv("KUBERNETES_NAMESPACE_POD_IP"),
		Node:        os.Getenv("KUBERNETES_NODENAME"),
		Namespace:   os.Getenv("KUBERNETES_NAMESPACE"),
	}

	statusCode := http.StatusOK
	if err := response(w, statusCode, data); err != nil {
		h.Log.Errorw("liveness", "ERROR", err)
	}

	h.Log.Infow("liveness", "statusCode", statusCode, "method", r.Method, "path", r.URL.Path, "remoteaddr", r.RemoteAddr)
}

func response(w http.ResponseWriter, statusCode int, data any) error {

	// Convert the response value to JSON.
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	// Set the content type and headers once we know marshaling has succeeded.
	w.Header().Set("Content-Type", "application/json")

	// Write the status code to the response.
	w.WriteHeader(statusCode)

	// Send the result back to the client.
	if _, err := w.Write(jsonData); err != nil {
		return err
	}

	return nil
}

package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gatekeeper-sh/gatekeeper/internal/domain/request"
	"github.com/gatekeeper-sh/gatekeeper/internal/service"
)

// maxEnvelopeBytes bounds the request body a client may send.
const maxEnvelopeBytes = 1 << 20

// handleTool decodes the envelope strictly and hands it to the gateway.
// Unknown top-level fields are a 400; everything past decoding is the
// gateway's decision.
func (t *Transport) handleTool(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnvelopeBytes))
	dec.DisallowUnknownFields()
	var env request.Envelope
	if err := dec.Decode(&env); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":      "invalid envelope: " + err.Error(),
			"reasonCode": service.ReasonInvalidEnvelope,
		})
		return
	}

	start := time.Now()
	resp := t.gateway.HandleTool(r.Context(), tool, &env)
	t.metrics.RequestDuration.WithLabelValues(tool).Observe(time.Since(start).Seconds())

	writeResponse(w, resp)
}

// handleCallback serves one approve/deny link click.
func (t *Transport) handleCallback(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		resp := t.gateway.HandleCallback(r.Context(), action, r.PathValue("id"), q.Get("sig"), q.Get("exp"))
		writeResponse(w, resp)
	}
}

func (t *Transport) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, t.gateway.HealthInfo())
}

// writeResponse emits the gateway's pre-marshaled body verbatim, which is
// what keeps idempotent replays byte-identical on the wire.
func writeResponse(w http.ResponseWriter, resp service.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package bridge

import (
	"encoding/json"
	"net/http"

	mcperrors "github.com/ajitpratap0/mcp-bridge/pkg/errors"
	"github.com/ajitpratap0/mcp-bridge/pkg/logging"
	"github.com/ajitpratap0/mcp-bridge/pkg/observability"
	"github.com/ajitpratap0/mcp-bridge/pkg/protocol"
)

// writeError ends the call with a JSON-RPC error envelope. The envelope id
// is the correlation id of the request in body when one can be recovered.
// It must not be used once the status line has been written.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, body []byte) {
	ctx := r.Context()
	kind := string(mcperrors.KindOf(err))
	status := mcperrors.HTTPStatus(err)

	observability.RecordError(ctx, err, kind)
	h.metrics.RecordError(ctx, kind)

	logger := h.logger.WithContext(ctx).WithError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", logging.Int("status", status))
	} else {
		logger.Debug("Request rejected", logging.Int("status", status))
	}

	data, mErr := json.Marshal(mcperrors.ToJSONRPCResponse(err, protocol.PeekID(body)))
	if mErr != nil {
		http.Error(w, http.StatusText(status), status)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sua-org/camfeed/internal/core"
	"github.com/sua-org/camfeed/internal/snapshot"
	"github.com/sua-org/camfeed/internal/stream"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Status int    `json:"upstream_status,omitempty"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: err.Error(), Kind: string(core.KindOf(err))}
	var ce *core.Error
	if errors.As(err, &ce) {
		body.Status = ce.Status
	}
	writeJSON(w, status, body)
}

// statusFor traduz os erros do motor em status HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, stream.ErrUnknownCamera):
		return http.StatusNotFound
	case errors.Is(err, stream.ErrNoStream):
		return http.StatusBadRequest
	case errors.Is(err, stream.ErrClosed), errors.Is(err, snapshot.ErrClosed):
		return http.StatusServiceUnavailable
	}
	switch core.KindOf(err) {
	case core.KindInvalidConfiguration:
		return http.StatusBadRequest
	case core.KindCaptureTimeout:
		return http.StatusGatewayTimeout
	case core.KindCaptureProcess:
		return http.StatusBadGateway
	case core.KindCaptureIO:
		return http.StatusInternalServerError
	case core.KindUpstreamFetch:
		return http.StatusBadGateway
	case core.KindInvalidSource:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/openai/openai-go/v3"
)

// Describe renders an error from the client as one line suitable for a
// failure record: status, upstream message and request id when available.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "upstream request timed out"
	}
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err.Error()
	}

	msg := strings.TrimSpace(apiErr.Message)
	if msg == "" {
		msg = http.StatusText(apiErr.StatusCode)
	}
	out := fmt.Sprintf("upstream status %d: %s", apiErr.StatusCode, msg)
	if apiErr.Response != nil {
		if id := upstreamRequestID(apiErr.Response.Header); id != "" {
			out += " (request_id=" + id + ")"
		}
	}
	return out
}

package compat

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// Rebuild returns a copy of req carrying body, with Content-Length (header and
// field) set to the exact body size. The original request is not modified.
func Rebuild(req *http.Request, body []byte) *http.Request {
	out := req.Clone(req.Context())
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	out.ContentLength = int64(len(body))
	out.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return out
}

// readBody returns the request payload and the request to forward. With
// GetBody available req is returned as is. Otherwise req.Body is drained and
// the returned request is a copy carrying a replayable body that yields the
// same bytes (and the same read error, if any); req keeps its other fields.
func readBody(req *http.Request) (*http.Request, []byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil, nil
	}
	if req.GetBody != nil {
		if rc, err := req.GetBody(); err == nil {
			defer rc.Close()
			data, err := io.ReadAll(rc)
			return req, data, err
		}
	}

	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	out := req.Clone(req.Context())
	if err != nil {
		out.Body = io.NopCloser(io.MultiReader(bytes.NewReader(data), errReader{err}))
		return out, nil, err
	}
	out.Body = io.NopCloser(bytes.NewReader(data))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return out, data, nil
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

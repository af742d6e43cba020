package upstream

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
)

// dumper writes framed request/response dumps. Writes from concurrent
// requests are serialised so blocks do not interleave.
type dumper struct {
	mu sync.Mutex
	w  io.Writer
}

func (d *dumper) block(title string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.boundary(title, true)
	if len(data) > 0 {
		d.write(data)
		if data[len(data)-1] != '\n' {
			d.write([]byte("\n"))
		}
	}
	d.boundary(title, false)
}

// response dumps status and headers immediately and the body once it has
// been read by the SDK.
func (d *dumper) response(resp *http.Response) {
	head, err := httputil.DumpResponse(resp, false)
	if err != nil {
		slog.Error("upstream.response.dump.failed", "error", err)
		return
	}
	d.block("UPSTREAM RESPONSE", head)
	if resp.Body != nil {
		resp.Body = &dumpReadCloser{
			src:   resp.Body,
			d:     d,
			title: fmt.Sprintf("UPSTREAM RESPONSE BODY status=%d", resp.StatusCode),
		}
	}
}

func (d *dumper) boundary(title string, begin bool) {
	kind := "END"
	if begin {
		kind = "BEGIN"
	}
	d.write([]byte("===== " + strings.TrimSpace(title) + " " + kind + " =====\n"))
}

func (d *dumper) write(data []byte) {
	if _, err := d.w.Write(data); err != nil {
		slog.Error("upstream.dump.write.failed", "error", err)
	}
}

// dumpReadCloser buffers what the consumer reads and dumps it on EOF or Close.
type dumpReadCloser struct {
	src   io.ReadCloser
	d     *dumper
	title string
	buf   bytes.Buffer
	done  bool
}

func (r *dumpReadCloser) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	r.buf.Write(p[:n])
	if err == io.EOF {
		r.finish()
	}
	return n, err
}

func (r *dumpReadCloser) Close() error {
	err := r.src.Close()
	r.finish()
	return err
}

func (r *dumpReadCloser) finish() {
	if r.done {
		return
	}
	r.done = true
	r.d.block(r.title, r.buf.Bytes())
}

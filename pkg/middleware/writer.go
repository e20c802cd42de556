package middleware

import (
	"bytes"
	"net/http"
)

// captureWriter buffers a complete response so it can be inspected and
// stored before anything reaches the client.
type captureWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{header: make(http.Header)}
}

func (c *captureWriter) Header() http.Header { return c.header }

func (c *captureWriter) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(p)
}

func (c *captureWriter) statusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

// forward copies the captured response to w. The body is omitted for HEAD.
func (c *captureWriter) forward(w http.ResponseWriter, head bool) {
	dst := w.Header()
	for k, v := range c.header {
		dst[k] = v
	}
	w.WriteHeader(c.statusCode())
	if !head {
		_, _ = w.Write(c.body.Bytes())
	}
}

// teeWriter passes a response through while recording its status and up
// to limit bytes of its body.
type teeWriter struct {
	http.ResponseWriter
	status int
	limit  int
	body   bytes.Buffer
}

func (t *teeWriter) WriteHeader(status int) {
	if t.status == 0 {
		t.status = status
	}
	t.ResponseWriter.WriteHeader(status)
}

func (t *teeWriter) Write(p []byte) (int, error) {
	if t.status == 0 {
		t.status = http.StatusOK
	}
	if room := t.limit - t.body.Len(); room > 0 {
		t.body.Write(p[:min(room, len(p))])
	}
	return t.ResponseWriter.Write(p)
}

func (t *teeWriter) statusCode() int {
	if t.status == 0 {
		return http.StatusOK
	}
	return t.status
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (t *teeWriter) Unwrap() http.ResponseWriter { return t.ResponseWriter }

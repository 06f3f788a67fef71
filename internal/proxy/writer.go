package proxy

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
)

// trackingWriter records whether a response has started so the error
// handler knows if a 502 can still be sent.
type trackingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	err         error
}

func (tw *trackingWriter) WriteHeader(statusCode int) {
	if tw.wroteHeader {
		return
	}
	// 1xx responses are informational; the final header is still to come.
	if statusCode >= 100 && statusCode < 200 && statusCode != http.StatusSwitchingProtocols {
		tw.ResponseWriter.WriteHeader(statusCode)
		return
	}
	tw.status = statusCode
	tw.wroteHeader = true
	tw.ResponseWriter.WriteHeader(statusCode)
}

func (tw *trackingWriter) Write(b []byte) (int, error) {
	if !tw.wroteHeader {
		tw.WriteHeader(http.StatusOK)
	}
	return tw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher for streamed responses.
func (tw *trackingWriter) Flush() {
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for WebSocket upgrades.
func (tw *trackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := tw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	tw.wroteHeader = true
	return hijacker.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (tw *trackingWriter) Unwrap() http.ResponseWriter {
	return tw.ResponseWriter
}

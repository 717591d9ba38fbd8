package storage

import (
	"net"
	"net/http"
	"time"
)

// Transport returns the HTTP transport shared by the remote adapters. The
// timeout bounds dialing and the wait for response headers only. A body
// keeps streaming for as long as the caller's context allows, so proxied
// downloads of large files are not cut off mid-transfer.
func Transport(timeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	t.DialContext = dialer.DialContext
	t.TLSHandshakeTimeout = timeout
	t.ResponseHeaderTimeout = timeout
	return t
}

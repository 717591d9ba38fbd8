package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestMiddlewareRequestID(t *testing.T) {
	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"generated when absent", "", false},
		{"kept when well formed", "abc-123_x.y", true},
		{"replaced when too long", strings.Repeat("a", maxRequestIDBytes+1), false},
		{"replaced when it carries spaces", "a b", false},
		{"replaced when it carries newlines", "a\nb", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen bool
			h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = WithContext(r.Context()) != L()
				w.WriteHeader(http.StatusTeapot)
			}))
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tt.header != "" {
				req.Header.Set(requestIDHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			got := rec.Header().Get(requestIDHeader)
			if got == "" {
				t.Fatal("missing X-Request-ID")
			}
			if tt.keep && got != tt.header {
				t.Errorf("request id = %q, want %q", got, tt.header)
			}
			if !tt.keep && got == tt.header {
				t.Errorf("request id %q should have been replaced", got)
			}
			if !seen {
				t.Error("handler did not receive a request-scoped logger")
			}
			if rec.Code != http.StatusTeapot {
				t.Errorf("status = %d", rec.Code)
			}
		})
	}
}

func TestWithStacksFields(t *testing.T) {
	ctx := With(context.Background(), zap.String("a", "1"))
	first := WithContext(ctx)
	ctx = With(ctx, zap.String("b", "2"))
	if WithContext(ctx) == first {
		t.Error("With should derive a new logger")
	}
	if WithContext(context.Background()) != L() {
		t.Error("empty context should fall back to the process logger")
	}
}

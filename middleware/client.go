package middleware

import (
	"net"
	"net/http"

	"github.com/upb/tenant-auth/services/audit"
)

// DeviceIDHeader carries the client's device identifier
const DeviceIDHeader = "X-Device-ID"

// ClientContext records who is calling for audit events. It must run after
// chi's RealIP and RequestID middleware.
func ClientContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithClient(r.Context(), audit.Client{
			IP:        ClientIP(r),
			UserAgent: r.UserAgent(),
			DeviceID:  r.Header.Get(DeviceIDHeader),
			RequestID: GetRequestIDFromContext(r.Context()),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIP returns the request's remote address without the port
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

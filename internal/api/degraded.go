package api

import "net/http"

// DegradedHeader is set to "true" on responses produced while the ledger
// store is serving cached, read-only data.
const DegradedHeader = "X-Ledger-Degraded"

// DegradedReporter reports whether reads come from a stale cache.
type DegradedReporter interface {
	Degraded() bool
}

// markDegraded sets DegradedHeader when the store is degraded at the time the
// response status is written, i.e. after the handler has done its reads.
func markDegraded(d DegradedReporter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(&degradedWriter{ResponseWriter: w, reporter: d}, r)
		})
	}
}

type degradedWriter struct {
	http.ResponseWriter
	reporter    DegradedReporter
	wroteHeader bool
}

func (w *degradedWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		if w.reporter.Degraded() {
			w.Header().Set(DegradedHeader, "true")
		}
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *degradedWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *degradedWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

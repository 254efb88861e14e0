package main

import (
	"fmt"
	"net/http"
)

// newBuiltinHandler serves the pages used when no forward route is
// configured for a virtual port: a greeting at the root, a health probe,
// and the build version.
func newBuiltinHandler(serviceName string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "This is %s, published with onionward %s.\n", serviceName, BuildVersion)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, BuildVersion)
	})
	return mux
}

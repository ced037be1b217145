package xhttp

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

const serverName = "basic-h2-server/1.0"

// HeaderEcho answers every request with a JSON object of its headers, lower-cased
// names mapped to comma joined values, the way HTTP/2 presents them.
func HeaderEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := make(map[string]string, len(r.Header)+4)
		for k, vs := range r.Header {
			headers[strings.ToLower(k)] = strings.Join(vs, ", ")
		}
		headers[":method"] = r.Method
		headers[":path"] = r.URL.RequestURI()
		headers[":authority"] = r.Host
		if r.ProtoMajor == 2 {
			headers[":scheme"] = "http"
		}

		body, err := json.Marshal(headers)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("server", serverName)
		w.Header().Set("content-type", "application/json")
		w.Header().Set("content-length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})
}

package runtime

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/tcmartin/flowlauncher/pkg/logging"
)

// corsHeaders are owned by the launcher's CORS middleware. The runtime sets
// its own from the same settings, and a second Access-Control-Allow-Origin
// value makes browsers reject the response.
var corsHeaders = []string{
	"Access-Control-Allow-Origin",
	"Access-Control-Allow-Credentials",
	"Access-Control-Allow-Methods",
	"Access-Control-Allow-Headers",
	"Access-Control-Expose-Headers",
	"Access-Control-Max-Age",
}

// newProxy builds a reverse proxy for one handler group. Websocket upgrades
// (the editor's comms channel) pass through.
func newProxy(target *url.URL, group string, logger logging.Logger) *httputil.ReverseProxy {
	rp := httputil.NewSingleHostReverseProxy(target)
	backendHost := target.Host
	rp.ModifyResponse = func(resp *http.Response) error {
		for _, h := range corsHeaders {
			resp.Header.Del(h)
		}
		return nil
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("runtime unavailable",
			logging.F("group", group),
			logging.F("path", r.URL.Path),
			logging.Err(err),
		)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":   "runtime unavailable",
			"backend": backendHost,
			"group":   group,
			"path":    r.URL.Path,
		})
	}
	return rp
}

// FreePort asks the kernel for an unused TCP port on host
func FreePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("failed to find a free port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

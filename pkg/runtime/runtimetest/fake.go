// Package runtimetest provides a scriptable in-memory Runtime for tests.
package runtimetest

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/tcmartin/flowlauncher/pkg/runtime"
	"github.com/tcmartin/flowlauncher/pkg/settings"
)

// Fake implements runtime.Runtime and runtime.Supervised. The zero value is
// not usable; call New.
type Fake struct {
	// StartErr and StopErr are returned by Start and Stop when set
	StartErr error
	StopErr  error

	// StartGate, when set, blocks Start until it is closed or ctx ends
	StartGate chan struct{}

	// OnStop runs inside Stop before it returns
	OnStop func()

	mu       sync.Mutex
	calls    []string
	server   *http.Server
	settings *settings.Settings
	exited   chan error
	upgrader websocket.Upgrader
}

// New creates a Fake
func New() *Fake {
	return &Fake{
		exited: make(chan error, 1),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

var _ runtime.Runtime = (*Fake)(nil)
var _ runtime.Supervised = (*Fake)(nil)

func (f *Fake) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

// Calls returns the lifecycle calls seen so far, in order
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns how many times the named call was made
func (f *Fake) Count(call string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// Settings returns the record passed to Init
func (f *Fake) Settings() *settings.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

// Server returns the server passed to Init
func (f *Fake) Server() *http.Server {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.server
}

// Crash simulates the engine dying on its own
func (f *Fake) Crash(err error) {
	select {
	case f.exited <- err:
	default:
	}
}

// Exited implements runtime.Supervised
func (f *Fake) Exited() <-chan error {
	return f.exited
}

// Init implements runtime.Runtime
func (f *Fake) Init(srv *http.Server, s *settings.Settings) error {
	f.record("init")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.server = srv
	f.settings = s
	return nil
}

// Start implements runtime.Runtime
func (f *Fake) Start(ctx context.Context) error {
	f.record("start")
	if f.Settings() == nil {
		return runtime.ErrNotInitialized
	}
	if f.StartGate != nil {
		select {
		case <-f.StartGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.StartErr
}

// Stop implements runtime.Runtime
func (f *Fake) Stop(ctx context.Context) error {
	f.record("stop")
	if f.OnStop != nil {
		f.OnStop()
	}
	return f.StopErr
}

// AdminHandler serves GET /settings with the Init record and a websocket
// echo at /comms, mimicking the editor's endpoints.
func (f *Fake) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/settings", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(f.Settings())
	})
	mux.HandleFunc("/comms", f.handleComms)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeEcho(w, r, "admin")
	})
	return mux
}

// NodeHandler echoes the request as JSON
func (f *Fake) NodeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEcho(w, r, "node")
	})
}

func (f *Fake) handleComms(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(kind, msg); err != nil {
			return
		}
	}
}

// Echo is the body written by the fake handlers
type Echo struct {
	Group  string `json:"group"`
	Method string `json:"method"`
	Path   string `json:"path"`
}

func writeEcho(w http.ResponseWriter, r *http.Request, group string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Echo{Group: group, Method: r.Method, Path: r.URL.Path})
}

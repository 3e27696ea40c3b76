// Package settings builds the configuration record handed to the flow runtime.
//
// The record is assembled once at startup, validated, and never mutated
// afterwards. Field names follow the runtime's own settings file so the record
// can be serialized as-is.
package settings

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Profile selects one of the supported settings variants
type Profile string

const (
	// ProfileDefault keeps runtime/editor deploy state control disabled
	ProfileDefault Profile = "default"

	// ProfileRuntimeState lets the editor start and stop flows
	ProfileRuntimeState Profile = "runtime-state"
)

// Fixed values shared by every profile
const (
	DefaultAdminRoot     = "/"
	DefaultNodeRoot      = "/api"
	DefaultFlowFile      = "flows.json"
	DefaultEditorTitle   = "Node-RED Launcher"
	DefaultDebugMaxLen   = 1000
	DefaultReconnectTime = 15000
)

// Menu entries hidden from the editor
var hiddenMenuItems = []string{
	"menu-item-user-settings",
	"menu-item-keyboard-shortcuts",
	"menu-item-help",
	"menu-item-node-red-version",
}

var (
	// ErrUnknownProfile is returned for profile names that are not supported
	ErrUnknownProfile = errors.New("unknown settings profile")

	// ErrInvalidSettings is returned when a built record fails validation
	ErrInvalidSettings = errors.New("invalid settings")
)

// ParseProfile resolves a profile name. An empty name selects ProfileDefault.
func ParseProfile(name string) (Profile, error) {
	switch Profile(strings.ToLower(strings.TrimSpace(name))) {
	case "", ProfileDefault:
		return ProfileDefault, nil
	case ProfileRuntimeState:
		return ProfileRuntimeState, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
}

// Profiles lists the supported profiles
func Profiles() []Profile {
	return []Profile{ProfileDefault, ProfileRuntimeState}
}

// CORS describes the cross-origin policy of one HTTP interface
type CORS struct {
	Origin      string `json:"origin" yaml:"origin"`
	Methods     string `json:"methods,omitempty" yaml:"methods,omitempty"`
	Credentials bool   `json:"credentials,omitempty" yaml:"credentials,omitempty"`
}

// AllowedMethods splits Methods into its individual verbs
func (c CORS) AllowedMethods() []string {
	if c.Methods == "" {
		return nil
	}
	parts := strings.Split(c.Methods, ",")
	methods := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			methods = append(methods, strings.ToUpper(p))
		}
	}
	return methods
}

// ConsoleLogging configures the runtime's console logger
type ConsoleLogging struct {
	Level   string `json:"level" yaml:"level"`
	Metrics bool   `json:"metrics" yaml:"metrics"`
	Audit   bool   `json:"audit" yaml:"audit"`
}

// Logging wraps the runtime's logger configuration
type Logging struct {
	Console ConsoleLogging `json:"console" yaml:"console"`
}

// EditorTheme customizes the editor UI
type EditorTheme struct {
	Projects struct {
		Enabled bool `json:"enabled" yaml:"enabled"`
	} `json:"projects" yaml:"projects"`

	Header struct {
		Title string `json:"title" yaml:"title"`
		URL   string `json:"url" yaml:"url"`
	} `json:"header" yaml:"header"`

	Login struct {
		Image bool `json:"image" yaml:"image"`
	} `json:"login" yaml:"login"`

	UserMenu bool            `json:"userMenu" yaml:"userMenu"`
	Menu     map[string]bool `json:"menu" yaml:"menu"`
	Tours    bool            `json:"tours" yaml:"tours"`

	Palette struct {
		Editable bool `json:"editable" yaml:"editable"`
	} `json:"palette" yaml:"palette"`
}

// RuntimeState controls whether the editor may start and stop flows
type RuntimeState struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	UI      bool `json:"ui" yaml:"ui"`
}

// Settings is the configuration record passed to the runtime
type Settings struct {
	// Profile the record was built from
	Profile Profile `json:"-" yaml:"-"`

	// Loopback address the runtime itself listens on
	UIHost string `json:"uiHost,omitempty" yaml:"uiHost,omitempty"`
	UIPort int    `json:"uiPort,omitempty" yaml:"uiPort,omitempty"`

	// Network roots
	HTTPAdminRoot string `json:"httpAdminRoot" yaml:"httpAdminRoot"`
	HTTPNodeRoot  string `json:"httpNodeRoot" yaml:"httpNodeRoot"`

	// Workspace
	UserDir  string `json:"userDir" yaml:"userDir"`
	FlowFile string `json:"flowFile" yaml:"flowFile"`

	// CORS
	HTTPAdminCORS CORS `json:"httpAdminCors" yaml:"httpAdminCors"`
	HTTPNodeCORS  CORS `json:"httpNodeCors" yaml:"httpNodeCors"`

	// Authentication, all disabled
	AdminAuth        bool `json:"adminAuth" yaml:"adminAuth"`
	HTTPAdminAuth    bool `json:"httpAdminAuth" yaml:"httpAdminAuth"`
	HTTPNodeAuth     bool `json:"httpNodeAuth" yaml:"httpNodeAuth"`
	RequireAuth      bool `json:"requireAuth" yaml:"requireAuth"`
	CredentialSecret bool `json:"credentialSecret" yaml:"credentialSecret"`
	HTTPStatic       bool `json:"httpStatic" yaml:"httpStatic"`
	HTTPStaticAuth   bool `json:"httpStaticAuth" yaml:"httpStaticAuth"`
	SessionSecret    bool `json:"sessionSecret" yaml:"sessionSecret"`
	SessionTimeout   bool `json:"sessionTimeout" yaml:"sessionTimeout"`
	DisableAuth      bool `json:"disableAuth" yaml:"disableAuth"`

	Logging     Logging     `json:"logging" yaml:"logging"`
	EditorTheme EditorTheme `json:"editorTheme" yaml:"editorTheme"`

	// Function node execution
	FunctionExternalModules bool `json:"functionExternalModules" yaml:"functionExternalModules"`
	FunctionTimeout         int  `json:"functionTimeout" yaml:"functionTimeout"` // seconds, 0 = unbounded
	DebugMaxLength          int  `json:"debugMaxLength" yaml:"debugMaxLength"`

	// Reconnect intervals in milliseconds
	MQTTReconnectTime   int `json:"mqttReconnectTime" yaml:"mqttReconnectTime"`
	SerialReconnectTime int `json:"serialReconnectTime" yaml:"serialReconnectTime"`

	RuntimeState RuntimeState `json:"runtimeState" yaml:"runtimeState"`

	FunctionGlobalContext map[string]interface{} `json:"functionGlobalContext" yaml:"functionGlobalContext"`
}

// Options are the few inputs the builder accepts
type Options struct {
	UserDir  string
	FlowFile string
	Profile  Profile
	UIHost   string
	UIPort   int
}

// Build assembles and validates the settings record
func Build(opts Options) (*Settings, error) {
	profile := opts.Profile
	if profile == "" {
		profile = ProfileDefault
	}
	if _, err := ParseProfile(string(profile)); err != nil {
		return nil, err
	}

	flowFile := opts.FlowFile
	if flowFile == "" {
		flowFile = DefaultFlowFile
	}

	s := &Settings{
		Profile:       profile,
		UIHost:        opts.UIHost,
		UIPort:        opts.UIPort,
		HTTPAdminRoot: DefaultAdminRoot,
		HTTPNodeRoot:  DefaultNodeRoot,
		UserDir:       opts.UserDir,
		FlowFile:      flowFile,
		HTTPAdminCORS: CORS{
			Origin:      "*",
			Credentials: true,
		},
		HTTPNodeCORS: CORS{
			Origin:  "*",
			Methods: "GET,PUT,POST,DELETE",
		},
		DisableAuth: true,
		Logging: Logging{
			Console: ConsoleLogging{Level: "info"},
		},
		FunctionExternalModules: true,
		FunctionTimeout:         0,
		DebugMaxLength:          DefaultDebugMaxLen,
		MQTTReconnectTime:       DefaultReconnectTime,
		SerialReconnectTime:     DefaultReconnectTime,
		FunctionGlobalContext:   map[string]interface{}{},
	}

	s.EditorTheme.Header.Title = DefaultEditorTitle
	s.EditorTheme.Header.URL = "about:blank"
	s.EditorTheme.Palette.Editable = true
	s.EditorTheme.Menu = make(map[string]bool, len(hiddenMenuItems))
	for _, item := range hiddenMenuItems {
		s.EditorTheme.Menu[item] = false
	}

	if profile == ProfileRuntimeState {
		s.RuntimeState = RuntimeState{Enabled: true, UI: true}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the record for internal consistency
func (s *Settings) Validate() error {
	if !strings.HasPrefix(s.HTTPAdminRoot, "/") {
		return fmt.Errorf("%w: httpAdminRoot %q must start with /", ErrInvalidSettings, s.HTTPAdminRoot)
	}
	if !strings.HasPrefix(s.HTTPNodeRoot, "/") {
		return fmt.Errorf("%w: httpNodeRoot %q must start with /", ErrInvalidSettings, s.HTTPNodeRoot)
	}
	if s.HTTPAdminRoot == s.HTTPNodeRoot {
		return fmt.Errorf("%w: admin and node roots are both %q", ErrInvalidSettings, s.HTTPAdminRoot)
	}
	if s.UserDir == "" {
		return fmt.Errorf("%w: userDir is required", ErrInvalidSettings)
	}
	if s.FlowFile == "" || filepath.Base(s.FlowFile) != s.FlowFile {
		return fmt.Errorf("%w: flowFile %q must be a plain file name", ErrInvalidSettings, s.FlowFile)
	}
	if s.UIPort < 0 || s.UIPort > 65535 {
		return fmt.Errorf("%w: uiPort %d out of range", ErrInvalidSettings, s.UIPort)
	}
	if s.FunctionTimeout < 0 {
		return fmt.Errorf("%w: functionTimeout must not be negative", ErrInvalidSettings)
	}
	if !s.AuthDisabled() {
		return fmt.Errorf("%w: authentication must be disabled", ErrInvalidSettings)
	}
	return nil
}

// AuthDisabled reports whether every authentication toggle is off
func (s *Settings) AuthDisabled() bool {
	return !s.AdminAuth &&
		!s.HTTPAdminAuth &&
		!s.HTTPNodeAuth &&
		!s.RequireAuth &&
		!s.CredentialSecret &&
		!s.HTTPStaticAuth &&
		!s.SessionSecret &&
		!s.SessionTimeout &&
		s.DisableAuth
}

// AdminCORS returns the policy for the editor and admin API
func (s *Settings) AdminCORS() CORS {
	return s.HTTPAdminCORS
}

// NodeCORS returns the policy for node routes
func (s *Settings) NodeCORS() CORS {
	return s.HTTPNodeCORS
}

// FlowFilePath returns the absolute-or-relative path of the flow file
func (s *Settings) FlowFilePath() string {
	return filepath.Join(s.UserDir, s.FlowFile)
}

// Clone returns a deep copy
func (s *Settings) Clone() *Settings {
	c := *s

	c.EditorTheme.Menu = make(map[string]bool, len(s.EditorTheme.Menu))
	for k, v := range s.EditorTheme.Menu {
		c.EditorTheme.Menu[k] = v
	}

	c.FunctionGlobalContext = make(map[string]interface{}, len(s.FunctionGlobalContext))
	for k, v := range s.FunctionGlobalContext {
		c.FunctionGlobalContext[k] = v
	}

	return &c
}

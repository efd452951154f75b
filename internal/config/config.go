package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level PagePilot config.
	WorkspaceDirName = ".pagepilot"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the PagePilot MCP server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Browser   BrowserConfig   `yaml:"browser"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Stability StabilityConfig `yaml:"stability"`
	MCP       MCPConfig       `yaml:"mcp"`
	Mangle    MangleConfig    `yaml:"mangle"`
	Recorder  RecorderConfig  `yaml:"recorder"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
	// debug | info | warn | error
	LogLevel string `yaml:"log_level"`
	// json | console
	LogFormat string `yaml:"log_format"`
}

// BrowserConfig configures how we attach to or launch Chrome.
type BrowserConfig struct {
	// Control endpoint (e.g., ws://localhost:9222/devtools/browser/...). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// AutoStart controls whether the server launches/attaches to Chrome at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Stealth opens new tabs with evasion scripts applied.
	Stealth bool `yaml:"stealth"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Directory for generated PDFs and other downloads.
	DownloadsPath string `yaml:"downloads_path"`
	// Optional path to persist tab metadata between server restarts.
	SessionStore string `yaml:"session_store"`
	// Viewport width for new tabs (default: 1280).
	ViewportWidth int `yaml:"viewport_width"`
	// Viewport height for new tabs (default: 720).
	ViewportHeight int `yaml:"viewport_height"`
}

// BridgeConfig bounds the worker that drives the action library.
type BridgeConfig struct {
	ReadyTimeout   string `yaml:"ready_timeout"`
	DefaultTimeout string `yaml:"default_timeout"`
	StopTimeout    string `yaml:"stop_timeout"`
	// Used for title and page-info reads.
	QuickTimeout   string `yaml:"quick_timeout"`
	LocatorTimeout string `yaml:"locator_timeout"`
	ActionTimeout  string `yaml:"action_timeout"`
	PDFTimeout     string `yaml:"pdf_timeout"`
	// How long a timed-out task may hold the worker before it is replaced.
	AbandonGrace string `yaml:"abandon_grace"`
	LockOSThread *bool  `yaml:"lock_os_thread"`
}

// StabilityConfig tunes the network and DOM quiescence gate.
type StabilityConfig struct {
	MaxNetworkWait    string `yaml:"max_network_wait"`
	PollInterval      string `yaml:"poll_interval"`
	DOMQuietPeriod    string `yaml:"dom_quiet_period"`
	MaxDOMWait        string `yaml:"max_dom_wait"`
	EnrichmentTimeout string `yaml:"enrichment_timeout"`
	// Geometry reported when the page cannot be measured.
	DefaultViewportWidth  int `yaml:"default_viewport_width"`
	DefaultViewportHeight int `yaml:"default_viewport_height"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// MangleConfig controls the embedded event journal.
type MangleConfig struct {
	Enable bool `yaml:"enable"`
	// Optional extra rules loaded on top of the built-in schema.
	SchemaPath      string `yaml:"schema_path"`
	DisableBuiltin  bool   `yaml:"disable_builtin_rules"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// RecorderConfig controls the JSONL action flight recorder.
type RecorderConfig struct {
	Enable          bool   `yaml:"enable"`
	TraceDir        string `yaml:"trace_dir"`
	MaxRotatedFiles int    `yaml:"max_rotated_files"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:      "pagepilot-mcp",
			Version:   "0.1.0",
			LogFile:   "pagepilot-mcp.log",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Browser: BrowserConfig{
			AutoStart:                true,
			DefaultNavigationTimeout: "15s",
			DownloadsPath:            "downloads",
			SessionStore:             "sessions.json",
			ViewportWidth:            1280,
			ViewportHeight:           720,
		},
		Bridge: BridgeConfig{
			ReadyTimeout:   "5s",
			DefaultTimeout: "60s",
			StopTimeout:    "5s",
			QuickTimeout:   "1s",
			LocatorTimeout: "5s",
			ActionTimeout:  "10s",
			PDFTimeout:     "15s",
			AbandonGrace:   "1s",
		},
		Stability: StabilityConfig{
			MaxNetworkWait:        "3s",
			PollInterval:          "200ms",
			DOMQuietPeriod:        "2s",
			MaxDOMWait:            "5s",
			EnrichmentTimeout:     "1s",
			DefaultViewportWidth:  1280,
			DefaultViewportHeight: 720,
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 2048,
		},
		Recorder: RecorderConfig{
			Enable:          true,
			TraceDir:        "data/traces",
			MaxRotatedFiles: 3,
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .pagepilot/config.yaml file.
// Returns the workspace root directory (parent of .pagepilot/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .pagepilot/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .pagepilot/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "rules"),
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# PagePilot project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# browser:
#   debugger_url: "ws://127.0.0.1:9222/devtools/browser/<id>"
#   headless: false
#   downloads_path: "data/downloads"

# stability:
#   max_network_wait: "3s"
#   dom_quiet_period: "2s"
#   max_dom_wait: "5s"

# mangle:
#   schema_path: ".pagepilot/rules/project.mg"
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (traces, downloads, sessions) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Browser.SessionStore = resolve(cfg.Browser.SessionStore)
	cfg.Browser.DownloadsPath = resolve(cfg.Browser.DownloadsPath)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	cfg.Recorder.TraceDir = resolve(cfg.Recorder.TraceDir)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}
	switch c.Server.LogFormat {
	case "", "json", "console":
	default:
		return fmt.Errorf("server.log_format must be json or console, got %q", c.Server.LogFormat)
	}
	return nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 15*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1280
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 720
	}
	return b.ViewportHeight
}

func (b BridgeConfig) GetReadyTimeout() time.Duration {
	return parseDuration(b.ReadyTimeout, 5*time.Second)
}

func (b BridgeConfig) GetDefaultTimeout() time.Duration {
	return parseDuration(b.DefaultTimeout, 60*time.Second)
}

func (b BridgeConfig) GetStopTimeout() time.Duration {
	return parseDuration(b.StopTimeout, 5*time.Second)
}

func (b BridgeConfig) GetQuickTimeout() time.Duration {
	return parseDuration(b.QuickTimeout, time.Second)
}

func (b BridgeConfig) GetLocatorTimeout() time.Duration {
	return parseDuration(b.LocatorTimeout, 5*time.Second)
}

func (b BridgeConfig) GetActionTimeout() time.Duration {
	return parseDuration(b.ActionTimeout, 10*time.Second)
}

func (b BridgeConfig) GetPDFTimeout() time.Duration {
	return parseDuration(b.PDFTimeout, 15*time.Second)
}

func (b BridgeConfig) GetAbandonGrace() time.Duration {
	return parseDuration(b.AbandonGrace, time.Second)
}

// ShouldLockOSThread defaults to true: the action library keeps per-thread state.
func (b BridgeConfig) ShouldLockOSThread() bool {
	if b.LockOSThread == nil {
		return true
	}
	return *b.LockOSThread
}

func (s StabilityConfig) GetMaxNetworkWait() time.Duration {
	return parseDuration(s.MaxNetworkWait, 3*time.Second)
}

func (s StabilityConfig) GetPollInterval() time.Duration {
	return parseDuration(s.PollInterval, 200*time.Millisecond)
}

func (s StabilityConfig) GetDOMQuietPeriod() time.Duration {
	return parseDuration(s.DOMQuietPeriod, 2*time.Second)
}

func (s StabilityConfig) GetMaxDOMWait() time.Duration {
	return parseDuration(s.MaxDOMWait, 5*time.Second)
}

func (s StabilityConfig) GetEnrichmentTimeout() time.Duration {
	return parseDuration(s.EnrichmentTimeout, time.Second)
}

// DefaultViewport returns the fallback geometry (default 1280x720).
func (s StabilityConfig) DefaultViewport() (int, int) {
	w, h := s.DefaultViewportWidth, s.DefaultViewportHeight
	if w <= 0 {
		w = 1280
	}
	if h <= 0 {
		h = 720
	}
	return w, h
}

// GetMaxRotatedFiles returns how many trace files to keep (default: 3).
func (r RecorderConfig) GetMaxRotatedFiles() int {
	if r.MaxRotatedFiles <= 0 {
		return 3
	}
	return r.MaxRotatedFiles
}

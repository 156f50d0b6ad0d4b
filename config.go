package conform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-conform/conformance"
	"github.com/ethereum-optimism/infra/op-conform/flags"
	"github.com/ethereum-optimism/infra/op-conform/types"
)

// Environment entries added to child processes in diagnostics mode
var diagnosticsEnv = []string{"GOTRACEBACK=all", "RUST_BACKTRACE=1"}

// InstallerConfig selects the conformance suite to install
type InstallerConfig struct {
	Name      string
	Version   string
	URL       string
	Checksum  string
	CacheDir  string
	Platforms []string
	LocalPath string
	Retries   int
}

// ServerConfig describes the server under test and how it is supervised
type ServerConfig struct {
	Command      string
	Args         []string
	Address      string
	Env          []string // Extra KEY=VALUE entries on top of the run environment
	Dir          string
	ReadyTimeout time.Duration
	PollInterval time.Duration
	GracePeriod  time.Duration
}

// SuiteConfig describes how the suite is invoked and read
type SuiteConfig struct {
	Args    []string
	Format  conformance.Format
	Timeout time.Duration
}

// Config holds the run configuration. It is built once from the CLI and is
// not modified afterwards; no stage reads the process environment directly.
type Config struct {
	Mode                types.RunMode
	ConstrainedPlatform bool
	NativeInstallCmd    string
	Diagnostics         bool
	UnitCmds            []string
	LogDir              string
	StageRetries        int

	Installer InstallerConfig
	Server    ServerConfig
	Suite     SuiteConfig
	Metrics   opmetrics.CLIConfig

	// Env is the environment child processes start from, captured when the
	// config is built.
	Env []string
	Log log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	logDir := ctx.String(flags.LogDir.Name)
	if logDir == "" {
		logDir = "logs"
	}
	logDir, err := filepath.Abs(logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for log directory '%s': %w", logDir, err)
	}

	format, err := conformance.ParseFormat(ctx.String(flags.SuiteFormat.Name))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Mode:                types.RunMode(ctx.String(flags.Mode.Name)),
		ConstrainedPlatform: ctx.Bool(flags.ConstrainedPlatform.Name),
		NativeInstallCmd:    ctx.String(flags.NativeInstallCmd.Name),
		Diagnostics:         ctx.Bool(flags.Diagnostics.Name),
		UnitCmds:            ctx.StringSlice(flags.UnitCmd.Name),
		LogDir:              logDir,
		StageRetries:        ctx.Int(flags.StageRetries.Name),
		Installer: InstallerConfig{
			Name:      ctx.String(flags.InstallerName.Name),
			Version:   ctx.String(flags.InstallerVersion.Name),
			URL:       ctx.String(flags.InstallerURL.Name),
			Checksum:  ctx.String(flags.InstallerChecksum.Name),
			CacheDir:  ctx.String(flags.InstallerCacheDir.Name),
			Platforms: ctx.StringSlice(flags.InstallerPlatforms.Name),
			LocalPath: ctx.String(flags.InstallerPath.Name),
			Retries:   ctx.Int(flags.InstallerRetries.Name),
		},
		Server: ServerConfig{
			Command:      ctx.String(flags.ServerCmd.Name),
			Args:         ctx.StringSlice(flags.ServerArgs.Name),
			Address:      ctx.String(flags.ServerAddr.Name),
			Env:          ctx.StringSlice(flags.ServerEnv.Name),
			Dir:          ctx.String(flags.ServerDir.Name),
			ReadyTimeout: ctx.Duration(flags.ServerReadyTimeout.Name),
			PollInterval: ctx.Duration(flags.ServerPollInterval.Name),
			GracePeriod:  ctx.Duration(flags.ServerGracePeriod.Name),
		},
		Suite: SuiteConfig{
			Args:    ctx.StringSlice(flags.SuiteArgs.Name),
			Format:  format,
			Timeout: ctx.Duration(flags.SuiteTimeout.Name),
		},
		Metrics: opmetrics.ReadCLIConfig(ctx),
		Env:     os.Environ(),
		Log:     log,
	}
	if cfg.Installer.CacheDir != "" {
		if cfg.Installer.CacheDir, err = filepath.Abs(cfg.Installer.CacheDir); err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for cache directory: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the settings the selected mode needs are present
func (c *Config) Validate() error {
	if !c.Mode.IsValid() {
		return fmt.Errorf("invalid mode %q, must be one of: %s, %s", c.Mode, types.RunModeUnit, types.RunModeConformance)
	}
	if c.StageRetries < 0 {
		return fmt.Errorf("stage retries cannot be negative: %d", c.StageRetries)
	}
	if c.ConstrainedPlatform && strings.TrimSpace(c.NativeInstallCmd) == "" {
		c.logger().Warn("Constrained platform without a native install command, skipping platform step")
	}

	switch c.Mode {
	case types.RunModeUnit:
		if len(c.UnitCmds) == 0 {
			return errors.New("unit mode requires at least one unit command")
		}
	case types.RunModeConformance:
		if c.Server.Command == "" {
			return errors.New("conformance mode requires a server command")
		}
		if c.Server.Address == "" {
			return errors.New("conformance mode requires a server address")
		}
		if c.Installer.LocalPath == "" && (c.Installer.Version == "" || c.Installer.URL == "") {
			return errors.New("conformance mode requires either an installer path or an installer version and URL")
		}
		if c.Suite.Timeout < 0 {
			return fmt.Errorf("suite timeout cannot be negative: %s", c.Suite.Timeout)
		}
	}
	if c.Metrics.Enabled {
		if err := c.Metrics.Check(); err != nil {
			return fmt.Errorf("invalid metrics config: %w", err)
		}
	}
	for _, kv := range c.Server.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("invalid server environment entry %q, expected KEY=VALUE", kv)
		}
	}
	return nil
}

// ChildEnv returns the environment for a child process: the captured run
// environment, diagnostics settings when enabled, then extra entries.
func (c *Config) ChildEnv(extra ...string) []string {
	env := make([]string, 0, len(c.Env)+len(diagnosticsEnv)+len(extra))
	env = append(env, c.Env...)
	if c.Diagnostics {
		env = append(env, diagnosticsEnv...)
	}
	return append(env, extra...)
}

func (c *Config) logger() log.Logger {
	if c.Log == nil {
		return log.Root()
	}
	return c.Log
}

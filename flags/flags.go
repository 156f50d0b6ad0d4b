package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	opflags "github.com/ethereum-optimism/optimism/op-service/flags"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"

	"github.com/ethereum-optimism/infra/op-conform/types"
)

const EnvVarPrefix = "OP_CONFORM"

func prefixEnvVars(name string) []string {
	return opservice.PrefixEnvVar(EnvVarPrefix, name)
}

var (
	Mode = &cli.StringFlag{
		Name:     "mode",
		Required: true,
		EnvVars:  prefixEnvVars("MODE"),
		Usage:    fmt.Sprintf("What the run does: %q or %q", types.RunModeUnit, types.RunModeConformance),
		Action: func(_ *cli.Context, v string) error {
			return validateMode(v)
		},
	}
	ConstrainedPlatform = &cli.BoolFlag{
		Name:    "constrained-platform",
		EnvVars: prefixEnvVars("CONSTRAINED_PLATFORM"),
		Usage:   "Run the native install command before anything else (for platforms without prebuilt toolchains)",
	}
	NativeInstallCmd = &cli.StringFlag{
		Name:    "native-install-cmd",
		EnvVars: prefixEnvVars("NATIVE_INSTALL_CMD"),
		Usage:   "Shell command that installs native dependencies on constrained platforms",
	}
	Diagnostics = &cli.BoolFlag{
		Name:    "diagnostics",
		EnvVars: prefixEnvVars("DIAGNOSTICS"),
		Usage:   "Enable debug logging and full backtraces in child processes",
	}
	UnitCmd = &cli.StringSliceFlag{
		Name:    "unit-cmd",
		EnvVars: prefixEnvVars("UNIT_CMD"),
		Usage:   "Shell command run in unit mode; repeat for several commands, run in order",
	}
	LogDir = &cli.StringFlag{
		Name:    "logdir",
		Value:   "logs",
		EnvVars: prefixEnvVars("LOGDIR"),
		Usage:   "Directory to store run artifacts: captured output, raw result stream and reports",
	}
	StageRetries = &cli.IntFlag{
		Name:    "stage-retries",
		Value:   0,
		EnvVars: prefixEnvVars("STAGE_RETRIES"),
		Usage:   "Extra attempts for the install and server start stages. Cases are never retried.",
	}

	InstallerName = &cli.StringFlag{
		Name:    "installer.name",
		Value:   "h2spec",
		EnvVars: prefixEnvVars("INSTALLER_NAME"),
		Usage:   "Name of the conformance suite binary",
	}
	InstallerVersion = &cli.StringFlag{
		Name:    "installer.version",
		EnvVars: prefixEnvVars("INSTALLER_VERSION"),
		Usage:   "Semver tag of the conformance suite to install (eg. 'v2.6.0')",
	}
	InstallerURL = &cli.StringFlag{
		Name:    "installer.url",
		EnvVars: prefixEnvVars("INSTALLER_URL"),
		Usage:   "Download URL template; {name}, {version}, {os} and {arch} are substituted",
	}
	InstallerChecksum = &cli.StringFlag{
		Name:    "installer.checksum",
		EnvVars: prefixEnvVars("INSTALLER_CHECKSUM"),
		Usage:   "Expected sha256 of the downloaded payload (hex). Empty skips verification.",
	}
	InstallerCacheDir = &cli.StringFlag{
		Name:    "installer.cache-dir",
		Value:   ".conform-cache",
		EnvVars: prefixEnvVars("INSTALLER_CACHE_DIR"),
		Usage:   "Directory where installed suites are cached between runs",
	}
	InstallerPlatforms = &cli.StringSliceFlag{
		Name:    "installer.platforms",
		EnvVars: prefixEnvVars("INSTALLER_PLATFORMS"),
		Usage:   "os/arch pairs the suite is published for (eg. 'linux/amd64'). Empty allows any.",
	}
	InstallerPath = &cli.StringFlag{
		Name:    "installer.path",
		EnvVars: prefixEnvVars("INSTALLER_PATH"),
		Usage:   "Use a locally installed suite binary instead of downloading one",
	}
	InstallerRetries = &cli.IntFlag{
		Name:    "installer.retries",
		Value:   3,
		EnvVars: prefixEnvVars("INSTALLER_RETRIES"),
		Usage:   "Extra download attempts after the first one fails",
	}

	ServerCmd = &cli.StringFlag{
		Name:    "server.cmd",
		EnvVars: prefixEnvVars("SERVER_CMD"),
		Usage:   "Executable of the server under test",
	}
	ServerArgs = &cli.StringSliceFlag{
		Name:    "server.args",
		EnvVars: prefixEnvVars("SERVER_ARGS"),
		Usage:   "Arguments passed to the server",
	}
	ServerAddr = &cli.StringFlag{
		Name:    "server.addr",
		Value:   "127.0.0.1:8443",
		EnvVars: prefixEnvVars("SERVER_ADDR"),
		Usage:   "host:port the server listens on once ready",
	}
	ServerEnv = &cli.StringSliceFlag{
		Name:    "server.env",
		EnvVars: prefixEnvVars("SERVER_ENV"),
		Usage:   "Extra KEY=VALUE environment entries for the server",
	}
	ServerDir = &cli.StringFlag{
		Name:    "server.dir",
		EnvVars: prefixEnvVars("SERVER_DIR"),
		Usage:   "Working directory of the server",
	}
	ServerReadyTimeout = &cli.DurationFlag{
		Name:    "server.ready-timeout",
		Value:   30 * time.Second,
		EnvVars: prefixEnvVars("SERVER_READY_TIMEOUT"),
		Usage:   "How long to wait for the server to accept connections",
	}
	ServerPollInterval = &cli.DurationFlag{
		Name:    "server.poll-interval",
		Value:   250 * time.Millisecond,
		EnvVars: prefixEnvVars("SERVER_POLL_INTERVAL"),
		Usage:   "Interval between readiness probes",
	}
	ServerGracePeriod = &cli.DurationFlag{
		Name:    "server.grace-period",
		Value:   10 * time.Second,
		EnvVars: prefixEnvVars("SERVER_GRACE_PERIOD"),
		Usage:   "Time between the graceful termination request and a forced kill",
	}

	SuiteArgs = &cli.StringSliceFlag{
		Name:    "suite.args",
		EnvVars: prefixEnvVars("SUITE_ARGS"),
		Usage:   "Suite arguments; {address}, {host} and {port} are substituted",
	}
	SuiteFormat = &cli.StringFlag{
		Name:    "suite.format",
		Value:   "json",
		EnvVars: prefixEnvVars("SUITE_FORMAT"),
		Usage:   "Result stream format of the suite: 'json' or 'tap'",
	}
	SuiteTimeout = &cli.DurationFlag{
		Name:    "suite.timeout",
		Value:   0,
		EnvVars: prefixEnvVars("SUITE_TIMEOUT"),
		Usage:   "Abort the suite after this long. 0 disables the timeout.",
	}
)

var requiredFlags = []cli.Flag{
	Mode,
}

var optionalFlags = []cli.Flag{
	ConstrainedPlatform,
	NativeInstallCmd,
	Diagnostics,
	UnitCmd,
	LogDir,
	StageRetries,
	InstallerName,
	InstallerVersion,
	InstallerURL,
	InstallerChecksum,
	InstallerCacheDir,
	InstallerPlatforms,
	InstallerPath,
	InstallerRetries,
	ServerCmd,
	ServerArgs,
	ServerAddr,
	ServerEnv,
	ServerDir,
	ServerReadyTimeout,
	ServerPollInterval,
	ServerGracePeriod,
	SuiteArgs,
	SuiteFormat,
	SuiteTimeout,
}

var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func validateMode(v string) error {
	if !types.RunMode(v).IsValid() {
		return fmt.Errorf("invalid mode %q, must be one of: %s, %s", v, types.RunModeUnit, types.RunModeConformance)
	}
	return nil
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return opflags.CheckRequiredXor(ctx)
}

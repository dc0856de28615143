package main

import (
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"fleetsh/internal/config"
	"fleetsh/internal/errors"
)

var (
	// Build-time variables (set via -ldflags)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	// Global configuration
	cfg          *config.Config
	configSource string

	// CLI flags
	configFile       string
	attribute        string
	defaultAttribute string
	manualList       bool
	inventoryFile    string
	sshUser          string
	sshPassword      string
	sshPort          int
	sshGateway       string
	identityFile     string
	forwardAgent     bool
	hostKeyVerify    bool
	concurrency      int
	onError          string
	sshConfig        string
	connectTimeout   time.Duration
	logLevel         string
	logFormat        string
	quiet            bool
	noColor          bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var statusErr *errors.ExitStatusError
		if !stderrors.As(err, &statusErr) {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		}
		os.Exit(errors.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetsh [flags] QUERY COMMAND...",
	Short: "Run a command on many hosts over SSH",
	Long: `fleetsh resolves QUERY to a set of hosts and runs COMMAND on all of them
in parallel, printing each output line prefixed with the host it came from.

QUERY is an inventory search such as "role:web env:prod", or with
--manual-list a space separated list of [user@]host[:port] entries.

COMMAND is a shell command, or one of:
  interactive   read commands from a prompt; "on h1 h2; cmd" targets a subset
  tmux          open one tmux window per host
  screen        open one screen window per host
  macterm       open one Terminal.app tab per host
  cssh          open all hosts in ClusterSSH

The exit status is the highest exit status reported by any host, or 10 when
the query resolves to no usable hosts.

Examples:
  fleetsh --inventory nodes.yaml "role:web" -- uptime
  fleetsh -m "web1 web2 ops@db1:2222" -- sudo systemctl restart nginx
  fleetsh -m "web1 web2" --ssh-gateway jump@bastion interactive`,
	Args:          cobra.MinimumNArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		configManager := config.NewManager()
		configManager.ConfigFile = configFile
		loadedCfg, err := configManager.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loadedCfg
		configSource = describeConfigSource(configManager.ConfigFileUsed())

		return overrideConfigWithFlags(cmd, configManager)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		query := args[0]
		command := strings.Join(args[1:], " ")

		return run(cmd.Context(), query, command)
	},
}

func init() {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetsh %s\n", version)
			fmt.Printf("Commit: %s\n", commit)
			fmt.Printf("Built: %s\n", buildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)
	rootCmd.Long += "\n\n" + environmentHelp()

	flags := rootCmd.Flags()
	flags.SetInterspersed(false)

	flags.StringVar(&configFile, "config", "", "Read configuration from this file instead of the default locations")
	flags.StringVarP(&attribute, "attribute", "a", "", "Node attribute used as the connect address")
	flags.StringVar(&defaultAttribute, "default-attribute", "fqdn", "Connect address attribute when no override or cloud hostname is set")
	flags.BoolVarP(&manualList, "manual-list", "m", false, "QUERY is a space separated list of hosts")
	flags.StringVar(&inventoryFile, "inventory", "", "Node inventory file (YAML or JSON)")
	flags.StringVarP(&sshUser, "ssh-user", "x", "", "Remote username")
	flags.StringVarP(&sshPassword, "ssh-password", "P", "", "Remote password")
	flags.IntVarP(&sshPort, "ssh-port", "p", 0, "Remote port")
	flags.StringVarP(&sshGateway, "ssh-gateway", "G", "", "Jump host, [user@]host[:port]")
	flags.StringVarP(&identityFile, "identity-file", "i", "", "Private key for authentication")
	flags.BoolVarP(&forwardAgent, "forward-agent", "A", false, "Forward the local SSH agent")
	flags.BoolVar(&hostKeyVerify, "host-key-verify", true, "Verify host keys against known_hosts")
	flags.IntVarP(&concurrency, "concurrency", "C", 0, "Maximum simultaneous connections (0 for unlimited)")
	flags.StringVarP(&onError, "on-error", "e", "skip", "Failed connection handling (skip, raise)")
	flags.StringVar(&sshConfig, "ssh-config", "", "OpenSSH client config to read per-host options from")
	flags.DurationVar(&connectTimeout, "connect-timeout", 10*time.Second, "Connection and handshake timeout")
	flags.StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "text", "Log format (json, text)")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Suppress informational logs")
	flags.BoolVar(&noColor, "no-color", false, "Do not color host labels")
}

// environmentHelp lists the variables that override configuration file values
func environmentHelp() string {
	return "Environment:\n  " + strings.Join(config.GetEnvVarNames(), "\n  ")
}

func describeConfigSource(file string) string {
	if file == "" {
		return "environment and flags"
	}
	return file
}

func overrideConfigWithFlags(cmd *cobra.Command, configManager config.Manager) error {
	// Override configuration with CLI flags if they were explicitly set
	flags := cmd.Flags()
	if flags.Changed("attribute") {
		cfg.Attribute = attribute
	}
	if flags.Changed("default-attribute") {
		cfg.DefaultAttribute = defaultAttribute
	}
	if flags.Changed("manual-list") {
		cfg.ManualList = manualList
	}
	if flags.Changed("inventory") {
		cfg.Inventory = inventoryFile
	}
	if flags.Changed("ssh-user") {
		cfg.SSHUser = sshUser
	}
	if flags.Changed("ssh-password") {
		cfg.SSHPassword = sshPassword
	}
	if flags.Changed("ssh-port") {
		cfg.SSHPort = sshPort
	}
	if flags.Changed("ssh-gateway") {
		cfg.SSHGateway = sshGateway
	}
	if flags.Changed("identity-file") {
		cfg.IdentityFile = identityFile
	}
	if flags.Changed("forward-agent") {
		cfg.ForwardAgent = forwardAgent
	}
	if flags.Changed("host-key-verify") {
		cfg.HostKeyVerify = hostKeyVerify
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency = concurrency
	}
	if flags.Changed("on-error") {
		cfg.OnError = onError
	}
	if flags.Changed("ssh-config") {
		cfg.SSHConfig = sshConfig
	}
	if flags.Changed("connect-timeout") {
		cfg.ConnectTimeout = connectTimeout
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = logFormat
	}
	if flags.Changed("quiet") {
		cfg.Quiet = quiet
	}
	if flags.Changed("no-color") {
		cfg.Color = !noColor
	}

	if err := configManager.Validate(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"fleetsh/internal/config"
	"fleetsh/internal/errors"
	"fleetsh/internal/executor"
	"fleetsh/internal/gateway"
	"fleetsh/internal/inventory"
	"fleetsh/internal/launcher"
	"fleetsh/internal/logging"
	"fleetsh/internal/output"
	"fleetsh/internal/prompt"
	"fleetsh/internal/session"
	"fleetsh/internal/shell"
	"fleetsh/internal/ssh"
)

// interactiveCommand starts the REPL instead of running a command
const interactiveCommand = "interactive"

func run(ctx context.Context, query, command string) error {
	logger := logging.NewLoggerFromConfig(cfg.LogLevel, cfg.LogFormat, cfg.Quiet)
	logger.LogConfigLoad(configSource)

	res, err := resolveTargets(cfg, query, logger)
	if err != nil {
		return err
	}
	if len(res.Targets) == 0 {
		return session.NoTargets(res.Matched)
	}

	hostConfig, err := ssh.LoadHostConfig(cfg.SSHConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	prompter := prompt.NewTerminal(os.Stdin, os.Stderr)
	dialer := ssh.NewDialer(ssh.DialerOptions{
		Timeout:         cfg.ConnectTimeout,
		KnownHostsFiles: knownHostsFiles(cfg),
	}, logger)

	opts := targetOptions(cfg)
	mgr := session.NewManager(dialer, prompter, logger, session.Options{
		Defaults:    opts,
		Concurrency: cfg.Concurrency,
		OnError:     session.ErrorPolicy(cfg.OnError),
		Matched:     res.Matched,
		HostConfig:  hostConfig,
	})
	defer func() { _ = mgr.Close() }()

	if launcher.IsLauncher(command) {
		return launch(ctx, mgr, command, res)
	}

	// Interrupts close every connection so blocked reads return
	stopClose := context.AfterFunc(ctx, func() {
		logger.Info("interrupted, closing connections")
		_ = mgr.Close()
	})
	defer stopClose()

	if err := gateway.Configure(ctx, mgr, cfg.SSHGateway, opts); err != nil {
		return err
	}
	if err := mgr.Configure(ctx, res.Targets); err != nil {
		return err
	}
	if skipped := mgr.Skipped(); skipped.Count() > 0 {
		logger.Warn("some hosts were skipped",
			"summary", skipped.Summary(),
			"unreachable", skipped.CountByType(errors.ConnectionErrorType),
			"auth_failures", skipped.CountByType(errors.AuthenticationErrorType),
		)
	}
	if len(mgr.Connections()) == 0 {
		return fmt.Errorf("none of the %d resolved hosts could be reached", len(res.Targets))
	}

	formatter := output.NewFormatter(output.Options{
		Writer:     os.Stdout,
		LabelWidth: mgr.LabelWidth(),
		Color:      cfg.Color && isTerminal(os.Stdout),
	})
	engine := executor.NewEngine(mgr, formatter, prompter, logger)

	if command == interactiveCommand {
		sh := shell.New(engine, mgr, lineReader(prompter), os.Stdout, logger)
		return sh.Loop(ctx)
	}

	status, err := engine.Run(ctx, command, nil)
	if err != nil {
		return err
	}
	if status != 0 {
		return &errors.ExitStatusError{Status: status}
	}
	return nil
}

// resolveTargets turns the query into targets from the manual list or the inventory
func resolveTargets(cfg *config.Config, query string, logger *logging.Logger) (inventory.Resolution, error) {
	if cfg.ManualList {
		res, err := inventory.ResolveManual(query)
		if err != nil {
			return res, fmt.Errorf("failed to parse host list: %w", err)
		}
		logger.LogTargetParsing("manual list", len(res.Targets))
		return res, nil
	}

	if cfg.Inventory == "" {
		return inventory.Resolution{}, fmt.Errorf("no inventory configured: set --inventory or use --manual-list")
	}

	resolver := inventory.NewResolver(inventory.NewFileInventory(cfg.Inventory), cfg.Attribute, cfg.DefaultAttribute)
	res, err := resolver.Resolve(query)
	if err != nil {
		return res, fmt.Errorf("failed to resolve query '%s': %w", query, err)
	}
	for _, name := range res.Missing {
		logger.Warn("node has no connect address, skipping", "node", name)
	}
	logger.LogTargetParsing("inventory file: "+cfg.Inventory, len(res.Targets))
	return res, nil
}

func launch(ctx context.Context, mgr *session.Manager, name string, res inventory.Resolution) error {
	l, err := launcher.New(name, launcher.Options{IdentityFile: cfg.IdentityFile})
	if err != nil {
		return err
	}

	targets := res.Targets[:0:0]
	for _, t := range res.Targets {
		targets = append(targets, mgr.Resolve(t))
	}
	return l.Launch(ctx, targets)
}

func targetOptions(cfg *config.Config) session.TargetOptions {
	return session.TargetOptions{
		User:          cfg.SSHUser,
		Port:          cfg.SSHPort,
		IdentityFile:  cfg.IdentityFile,
		Password:      cfg.SSHPassword,
		ForwardAgent:  cfg.ForwardAgent,
		VerifyHostKey: cfg.HostKeyVerify,
	}
}

func knownHostsFiles(cfg *config.Config) []string {
	if len(cfg.KnownHosts) == 0 {
		return nil
	}
	return cfg.KnownHosts
}

// lineReader returns the REPL input. Piped stdin is read through the
// prompter's buffer so password prompts see the lines that follow them.
func lineReader(prompter *prompt.Terminal) shell.LineReader {
	if isTerminal(os.Stdin) {
		return shell.NewLineReader(os.Stdin, os.Stdout)
	}
	return shell.NewBufferedReader(prompter.Input(), os.Stdout)
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

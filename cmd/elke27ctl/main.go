// Package main is the entry point for elke27ctl, the panel client CLI
// and optional MQTT bridge daemon.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mitchmitchell/elke27/internal/buildinfo"
	"github.com/mitchmitchell/elke27/internal/client"
	"github.com/mitchmitchell/elke27/internal/config"
	"github.com/mitchmitchell/elke27/internal/connwatch"
	"github.com/mitchmitchell/elke27/internal/kernel"
	"github.com/mitchmitchell/elke27/internal/mqttbridge"
	"github.com/mitchmitchell/elke27/internal/routes"
	"github.com/mitchmitchell/elke27/internal/session"
	"github.com/mitchmitchell/elke27/internal/state"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	switch flag.Arg(0) {
	case "serve":
		runServe(logger, *configPath)
	case "exec":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "usage: elke27ctl exec <command_key> [json_args]")
			os.Exit(1)
		}
		args := ""
		if flag.NArg() >= 3 {
			args = flag.Arg(2)
		}
		runExec(logger, *configPath, flag.Arg(1), args)
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("elke27ctl - Elk M1 panel client and MQTT bridge")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Connect to the panel and run the MQTT bridge")
	fmt.Println("  exec     Run a single command against the panel and print the reply")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// buildRuntime loads config and wires a kernel bound to a dialed panel
// session, its route table, and its state mirror. It is shared by
// serve and exec so both speak to the panel identically.
func buildRuntime(ctx context.Context, logger *slog.Logger, configPath string) (*config.Config, *kernel.Kernel, *client.Client, *state.Mirror, error) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("locate config: %w", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if !cfg.Panel.Configured() {
		return nil, nil, nil, nil, fmt.Errorf("panel.url and panel.token must both be set in %s", cfgPath)
	}

	table := routes.New()
	client.RegisterDefaultRoutes(table)
	mirror := state.NewMirror(state.New(), nil)

	var k *kernel.Kernel
	sess := session.NewWSSession(session.WSConfig{
		URL:             cfg.Panel.URL,
		DialTimeout:     cfg.Panel.DialTimeout,
		ReadBufferSize:  cfg.Panel.ReadBufferSize,
		WriteBufferSize: cfg.Panel.WriteBufferSize,
	}, session.Callbacks{
		OnMessage:      func(obj map[string]any) { k.OnMessage(obj) },
		OnDisconnected: func(err error) { k.OnSessionDisconnected(err) },
	}, logger)

	k = kernel.New(sess, table, mirror, kernel.Config{
		RequestTimeout:     cfg.Panel.RequestTimeout,
		KeepaliveInterval:  cfg.Keepalive.Interval,
		KeepaliveTimeout:   cfg.Keepalive.Timeout,
		KeepaliveMaxMissed: cfg.Keepalive.MaxMissed,
		KeepaliveEnabled:   cfg.Keepalive.Enabled,
	}, kernel.WithLogger(logger), kernel.WithChatterLimit(120))

	if err := sess.Dial(ctx); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("dial panel: %w", err)
	}

	c := client.New(k, table, cfg.Panel.RequestTimeout)
	return cfg, k, c, mirror, nil
}

func runExec(logger *slog.Logger, configPath, commandKey, argsJSON string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, k, c, _, err := buildRuntime(ctx, logger, configPath)
	if err != nil {
		logger.Error("elke27ctl exec", "error", err)
		os.Exit(1)
	}
	defer k.Close()

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			logger.Error("elke27ctl exec: malformed json_args", "error", err)
			os.Exit(1)
		}
	}

	res := c.Execute(ctx, commandKey, args)
	if res.Error != nil {
		logger.Error("elke27ctl exec failed", "command", commandKey, "error", res.Error)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(res.Data, "", "  ")
	fmt.Println(string(out))
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting elke27ctl", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, k, c, mirror, err := buildRuntime(ctx, logger, configPath)
	if err != nil {
		logger.Error("elke27ctl serve", "error", err)
		os.Exit(1)
	}
	defer k.Close()

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("panel connected", "url", cfg.Panel.URL)

	bootCtx, bootCancel := context.WithTimeout(ctx, 60*time.Second)
	c.Bootstrap(bootCtx)
	bootCancel()
	logger.Info("bootstrap complete",
		"areas", len(mirror.State().SnapshotAreas()),
		"zones", len(mirror.State().SnapshotZones()),
		"outputs", len(mirror.State().SnapshotOutputs()),
	)

	if cfg.Keepalive.Enabled {
		k.StartKeepalive()
		defer k.StopKeepalive()
	}

	watchMgr := connwatch.NewManager(logger)
	if cfg.MQTT.Enabled {
		instanceID, err := mqttbridge.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			logger.Error("mqtt instance id", "error", err)
			os.Exit(1)
		}
		bridge := mqttbridge.New(cfg.MQTT, instanceID, mirror, c, logger)
		go func() {
			if err := bridge.Start(ctx); err != nil {
				logger.Error("mqtt bridge stopped", "error", err)
			}
		}()
		watchMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:  "mqtt",
			Probe: func(probeCtx context.Context) error { return bridge.AwaitConnection(probeCtx) },
		})
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			bridge.Stop(stopCtx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	watchMgr.Stop()
	logger.Info("elke27ctl stopped")
}

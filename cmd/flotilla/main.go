// Command flotilla runs a declarative container fleet to completion: build,
// isolated network, concurrent start with readiness gating, supervision,
// teardown. The fleet file is the single argument; operational knobs come
// from FLOTILLA_* environment variables.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/flotilladev/flotilla/common/environment"
	"github.com/flotilladev/flotilla/common/interrupt"
	"github.com/flotilladev/flotilla/common/redact"
	"github.com/flotilladev/flotilla/common/version"
	"github.com/flotilladev/flotilla/internal/flotilla/config"
	"github.com/flotilladev/flotilla/internal/flotilla/history"
	"github.com/flotilladev/flotilla/internal/flotilla/network"
	"github.com/flotilladev/flotilla/internal/flotilla/runtime"
	"github.com/flotilladev/flotilla/internal/flotilla/runtime/apidocker"
	"github.com/flotilladev/flotilla/internal/flotilla/runtime/clidocker"
)

const defaultTimeout = 10 * time.Minute

func main() {
	setupLogging()
	slog.Info("flotilla", "version", version.Info())

	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <fleet.yaml>\n", os.Args[0])
		os.Exit(2)
	}

	if err := run(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(fleetPath string) error {
	cfg, err := config.Load(fleetPath)
	if err != nil {
		return err
	}

	transport, err := buildTransport(cfg)
	if err != nil {
		return err
	}

	net, err := cfg.BuildNetwork(transport)
	if err != nil {
		return err
	}
	defer net.Close()

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	interrupt.Install()
	started := time.Now()
	outcome, runErr := net.Run(context.Background(), timeout)
	finished := time.Now()

	if cfg.HistoryDB != "" {
		var secrets []string
		for _, cc := range cfg.Containers {
			secrets = append(secrets, redact.SensitiveEnvValues(cc.Env)...)
		}
		recordHistory(cfg.HistoryDB, net, started, finished, outcome, runErr, secrets)
	}

	for _, name := range sortedNames(outcome) {
		o := outcome[name]
		switch {
		case o.Success():
			slog.Info("container succeeded", "name", name)
		case o.Err != nil:
			slog.Error("container failed", "name", name, "err", o.Err)
		default:
			slog.Error("container failed", "name", name, "status", o.Result.Status)
		}
	}
	return runErr
}

func buildTransport(cfg *config.Config) (runtime.Transport, error) {
	switch cfg.Transport {
	case config.TransportAPI:
		if cfg.DockerHost != "" {
			return apidocker.NewWithHost(cfg.DockerHost)
		}
		return apidocker.New()
	default:
		t := clidocker.New()
		t.Debug = cfg.Debug
		return t, nil
	}
}

func recordHistory(dbPath string, net *network.Network, started, finished time.Time, outcome network.RunOutcome, runErr error, secrets []string) {
	store, err := history.Open(dbPath)
	if err != nil {
		slog.Warn("history unavailable", "err", err)
		return
	}
	defer store.Close()
	if _, err := store.RecordRun(net.Name(), net.State(), started, finished, outcome, runErr, secrets...); err != nil {
		slog.Warn("history write failed", "err", err)
	}
}

func sortedNames(outcome network.RunOutcome) []string {
	names := make([]string, 0, len(outcome))
	for name := range outcome {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func setupLogging() {
	level := slog.LevelInfo
	if environment.BoolOr("FLOTILLA_VERBOSE", false) {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	quarantine "github.com/ethereum-optimism/infra/op-quarantine"
	"github.com/ethereum-optimism/infra/op-quarantine/flags"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := newApp()

	// Start telemetry
	ctx, shutdown, err := telemetry.SetupOpenTelemetry(
		context.Background(),
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer shutdown()

	// Start CLI
	ctx = ctxinterrupt.WithSignalWaiterMain(ctx)
	err = app.RunContext(ctx, os.Args)
	if err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "op-quarantine"
	app.Usage = "Go test runner with retries and test quarantine"
	app.Description = "op-quarantine runs go tests, retries failures and ignores failures of quarantined tests"
	app.Flags = cliapp.ProtectFlags(flags.Flags)
	app.Action = cliapp.LifecycleCmd(lifecycle(false))
	app.Commands = []*cli.Command{
		{
			Name:        "ingest",
			Usage:       "Classify and upload a recorded NDJSON event log instead of running go test",
			Description: "Retries already happened in the recording host; the log is replayed once.",
			Flags:       cliapp.ProtectFlags(flags.Flags),
			Action:      cliapp.LifecycleCmd(lifecycle(true)),
		},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		if err == nil {
			return
		}
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
			return
		}
		cli.HandleExitCoder(cli.Exit(err.Error(), exitCode(err)))
	}
	return app
}

// exitCode maps an error returned by the application to a process exit code
func exitCode(err error) int {
	return quarantine.ExitCode(err)
}

func lifecycle(ingest bool) cliapp.LifecycleAction {
	return func(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
		logCfg := oplog.ReadCLIConfig(ctx)
		log := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
		oplog.SetGlobalLogHandler(log.Handler())
		oplog.SetupDefaults()

		cfg, err := quarantine.NewConfig(ctx, log, ingest)
		if err != nil {
			return nil, quarantine.NewRuntimeError("config", err)
		}

		svc, err := quarantine.New(cfg, Version, closeApp)
		if err != nil {
			return nil, quarantine.NewRuntimeError("setup", err)
		}
		return svc, nil
	}
}

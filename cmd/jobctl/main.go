package main

import (
	"context"

	"github.com/alecthomas/kong"

	"media-transcript-pipeline/internal/config"
	"media-transcript-pipeline/internal/logger"
)

var (
	version = "dev"
	cli     struct {
		Get              GetCmd              `cmd:"" help:"Show a job record and its history"`
		DLQ              DLQCmd              `cmd:"" name:"dlq" help:"List dead-lettered job ids"`
		Retry            RetryCmd            `cmd:"" help:"Re-dispatch a job as a fresh job"`
		ClearIdempotency ClearIdempotencyCmd `cmd:"" name:"clear-idempotency" help:"Drop every idempotency key"`
		Debug            bool                `help:"Enable debug logging."`
		Version          kong.VersionFlag
	}
)

// Globals are shared by every subcommand.
type Globals struct {
	Debug  bool
	Config config.Config
}

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("jobctl"),
		kong.Description("Operator tool for the media transcript pipeline."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	logger.Setup(cli.Debug, "jobctl")
	err := cmd.Run(&Globals{Debug: cli.Debug, Config: config.Load()})
	cmd.FatalIfErrorf(err)
}

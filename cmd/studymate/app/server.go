// Package app provides the studymate server application.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kart-io/studymate/cmd/studymate/app/options"
	"github.com/kart-io/studymate/internal/studymate"
	"github.com/kart-io/studymate/pkg/infra/app"
)

// commandDesc is the description of the command.
const commandDesc = `studymate knowledge retrieval and conversational memory engine

This server provides:
  - Document ingestion with context-enriched chunk embeddings
  - Semantic search over one document or all documents of a principal
  - Question answering with rolling conversation summaries
  - Quiz generation that never repeats earlier questions`

// NewApp creates and returns a new App object with default parameters.
func NewApp() *app.App {
	opts := options.NewServerOptions()
	return app.NewApp(
		app.WithName(studymate.Name),
		app.WithShortDescription("studymate study assistant server"),
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithRunFunc(run(opts)),
	)
}

// run contains the main logic for initializing and running the server.
func run(opts *options.ServerOptions) app.RunFunc {
	return func() error {
		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		ctx := setupSignalContext()

		server, err := cfg.NewServer(ctx)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}
		return server.Run(ctx)
	}
}

// setupSignalContext returns a context that is cancelled on SIGINT or SIGTERM.
// A second signal exits immediately.
func setupSignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
		<-c
		os.Exit(1)
	}()
	return ctx
}

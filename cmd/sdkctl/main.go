// Package main provides sdkctl, a command-line companion for inspecting
// tokens and checking SDK option files before they reach a host page.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"idvsdk/client"
)

func main() {
	cmd := &cli.Command{
		Name:     "sdkctl",
		Usage:    "Inspect tokens and normalize SDK options",
		Version:  client.Version,
		Commands: getCommands(),
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.Any("error", err))
		os.Exit(1)
	}
}

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

const usage = `dify-bridge exposes a Dify app behind an OpenAI-compatible API.

Usage:
  dify-bridge <command> [flags]

Commands:
  serve    Start the HTTP server
  ask      Send one chat completion through a running bridge
  help     Show this help message

Run "dify-bridge <command> --help" for command flags.`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdout)
}

func execute(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return printUsage(stdout)
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "ask":
		return ask(ctx, args[1:], stdout)
	case "help", "-h", "--help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage(w io.Writer) error {
	_, err := fmt.Fprintln(w, strings.TrimSpace(usage))
	return err
}

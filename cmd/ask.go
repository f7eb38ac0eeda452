package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const askUsage = `Usage:
  dify-bridge ask --key <app key> [--url <bridge url>] [--model <id>] [--system <prompt>] [--stream] <prompt...>

Flags:
  --url    string   Bridge base URL including /v1 (default "http://127.0.0.1:8000/v1")
  --key    string   Dify app API key, sent as the bearer token (default $DIFY_API_KEY)
  --model  string   Model id to request (default "dify-app")
  --system string   Optional system prompt
  --stream          Print the answer as it streams in`

type askOptions struct {
	url    string
	key    string
	model  string
	system string
	stream bool
	prompt string
}

func ask(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, askUsage)
	}

	var opts askOptions
	fs.StringVar(&opts.url, "url", "http://127.0.0.1:8000/v1", "bridge base URL")
	fs.StringVar(&opts.key, "key", os.Getenv("DIFY_API_KEY"), "Dify app API key")
	fs.StringVar(&opts.model, "model", "dify-app", "model id")
	fs.StringVar(&opts.system, "system", "", "system prompt")
	fs.BoolVar(&opts.stream, "stream", false, "stream the answer")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse ask flags: %w", err)
	}

	opts.prompt = strings.TrimSpace(strings.Join(fs.Args(), " "))
	if opts.prompt == "" {
		return errors.New("ask command requires a prompt")
	}
	if opts.key == "" {
		return errors.New("ask command requires --key or DIFY_API_KEY")
	}

	return runAsk(ctx, opts, stdout)
}

func runAsk(ctx context.Context, opts askOptions, stdout io.Writer) error {
	clientCfg := openai.DefaultConfig(opts.key)
	clientCfg.BaseURL = strings.TrimRight(opts.url, "/")
	client := openai.NewClientWithConfig(clientCfg)

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if opts.system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: opts.system})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: opts.prompt})

	req := openai.ChatCompletionRequest{Model: opts.model, Messages: messages}

	if !opts.stream {
		resp, err := client.CreateChatCompletion(ctx, req)
		if err != nil {
			return fmt.Errorf("chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return errors.New("chat completion returned no choices")
		}
		_, err = fmt.Fprintln(stdout, resp.Choices[0].Message.Content)
		return err
	}

	req.Stream = true
	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("chat completion stream: %w", err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			_, err = fmt.Fprintln(stdout)
			return err
		}
		if err != nil {
			return fmt.Errorf("chat completion stream: %w", err)
		}
		for _, choice := range chunk.Choices {
			if _, err := io.WriteString(stdout, choice.Delta.Content); err != nil {
				return err
			}
		}
	}
}

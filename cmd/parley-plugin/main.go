// Package main runs a small example tool plugin speaking the streaming
// plugin protocol. It is meant for local development: register it with
//
//	PUT /services/demo {"kind": "sdk", "url": "http://127.0.0.1:8811"}
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/parleyhq/parley/pkg/pluginsdk"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8811", "listen address")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	server := pluginsdk.NewServer(logger)

	server.Register("echo", "Repeats the given text back",
		map[string]pluginsdk.Parameter{
			"text": {Type: "string", Description: "text to repeat"},
		},
		[]string{"text"}, false,
		func(ctx context.Context, cc *pluginsdk.CallContext, args map[string]json.RawMessage) (*pluginsdk.Result, error) {
			var text string
			if err := json.Unmarshal(args["text"], &text); err != nil {
				return nil, fmt.Errorf("text must be a string: %w", err)
			}
			data, err := json.Marshal(strings.ToUpper(text))
			if err != nil {
				return nil, err
			}
			return &pluginsdk.Result{Data: data}, nil
		})

	server.Register("slow_lookup", "Looks something up, streaming progress",
		map[string]pluginsdk.Parameter{
			"key": {Type: "string"},
		},
		[]string{"key"}, false,
		func(ctx context.Context, cc *pluginsdk.CallContext, args map[string]json.RawMessage) (*pluginsdk.Result, error) {
			_ = cc.EmitStatus("searching", nil)
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			_ = cc.EmitMessage("Still looking, bear with me.")
			return &pluginsdk.Result{
				Data:     json.RawMessage(`{"found":true}`),
				Metadata: map[string]any{"elapsed_ms": 500},
			}, nil
		})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := server.ListenAndServe(ctx, *addr); err != nil {
		logger.Error("plugin server failed", "error", err)
		os.Exit(1)
	}
}

// mirage-tail connects to a backend and prints the engine's action stream,
// optionally subscribing to queries given on the command line.
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

	"mirage"
	"mirage/internal/config"
	"mirage/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config.yml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := logging.Initialize(cfg.Logging); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logging.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var opts []mirage.Option
	if *configPath != "" {
		opts = append(opts, mirage.WithConfigFile(*configPath))
	}
	instance, err := mirage.Dial(ctx, opts...)
	if err != nil {
		slog.Error("connecting", "error", err)
		os.Exit(1)
	}
	defer instance.Close()

	actions, unsub, err := instance.Actions(ctx)
	if err != nil {
		slog.Error("subscribing to actions", "error", err)
		os.Exit(1)
	}
	defer unsub()

	for _, descriptor := range flag.Args() {
		if _, err := instance.Subscribe(ctx, descriptor); err != nil {
			slog.Error("subscribing", "query", descriptor, "error", err)
			os.Exit(1)
		}
		slog.Info("subscribed", "query", descriptor)
	}

	go func() {
		for action := range actions {
			line, err := json.Marshal(action)
			if err != nil {
				slog.Warn("marshalling action", "error", err)
				continue
			}
			fmt.Println(string(line))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")
}

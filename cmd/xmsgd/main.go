// Command xmsgd sends, looks up, lists and tails chat messages.
//
//	xmsgd [-config xmsg.yaml] send <body>
//	xmsgd [-config xmsg.yaml] get <token>
//	xmsgd [-config xmsg.yaml] list
//	xmsgd [-config xmsg.yaml] listen
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/trickstertwo/xmsg"
	_ "github.com/trickstertwo/xmsg/adapter/amqp"
	_ "github.com/trickstertwo/xmsg/adapter/memory"
	"github.com/trickstertwo/xmsg/chat"
	"github.com/trickstertwo/xmsg/config"
	"github.com/trickstertwo/xmsg/message"
	"github.com/trickstertwo/xmsg/snowflake"
	"github.com/trickstertwo/xmsg/store"
)

var configPath string

func init() {
	flag.StringVar(&configPath, "config", "", "Path to a YAML configuration file (optional)")
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xmsgd: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on Ctrl+C
	go func() {
		sigC := make(chan os.Signal, 1)
		signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
		<-sigC
		cancel()
	}()

	if err := run(ctx, cfg, logger, args[0], args[1:]); err != nil {
		logger.Error().Err(err).Str("command", args[0]).Msg("xmsgd: command failed")
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *xlog.Logger {
	zc := zerolog.Config{
		Console:           cfg.Console,
		ConsoleTimeFormat: time.RFC3339Nano,
	}
	if cfg.Level == "debug" {
		zc.MinLevel = xlog.LevelDebug
	}
	return zerolog.Use(zc)
}

func run(ctx context.Context, cfg *config.Config, logger *xlog.Logger, cmd string, args []string) error {
	st, err := cfg.Store.Open(ctx, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var client *xmsg.Client
	if needsBroker(cmd) {
		client, err = xmsg.NewClientBuilder().
			WithConfig(cfg.Broker).
			WithLogger(logger).
			WithClock(xclock.Default()).
			WithMetrics(prometheus.DefaultRegisterer).
			Build(ctx)
		if err != nil {
			return err
		}
		defer client.Close(context.Background())
		xmsg.SetDefault(client)
	}

	svc := chat.NewService(client, st,
		chat.WithLogger(logger),
		chat.WithLoaderConfig(cfg.Loader),
	)

	switch cmd {
	case "send":
		if len(args) != 1 {
			return errors.New("usage: xmsgd send <body>")
		}
		m, err := svc.Send(ctx, args[0])
		if err != nil {
			return err
		}
		printMessage(m)
	case "get":
		if len(args) != 1 {
			return errors.New("usage: xmsgd get <token>")
		}
		m, err := svc.Get(ctx, args[0])
		switch {
		case errors.Is(err, snowflake.ErrInvalidToken):
			return fmt.Errorf("%q is not a message id", args[0])
		case errors.Is(err, store.ErrNotFound):
			fmt.Println("not found")
		case err != nil:
			return err
		default:
			printMessage(m)
		}
	case "list":
		msgs, err := svc.List(ctx)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			printMessage(m)
		}
	case "listen":
		stream, err := svc.Listen(ctx)
		if err != nil {
			return err
		}
		logger.Info().Str("queue", stream.Queue()).Msg("listening; press Ctrl+C to exit")
		for m := range stream.All(ctx) {
			printMessage(m)
		}
		if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func needsBroker(cmd string) bool {
	return cmd == "send" || cmd == "listen"
}

func printMessage(m *message.Message) {
	fmt.Printf("%s\t%s\t%s\n", m.Token(), m.Timestamp.Format(time.RFC3339Nano), m.Body)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `usage: xmsgd [-config file] <command> [args]

commands:
  send <body>    store a message and publish it
  get <token>    look up one message by id
  list           list messages, newest first
  listen         print messages as they are sent

environment:
  %s, %s, %s, %s, %s
`, config.EnvBrokerURL, config.EnvStoreDriver, config.EnvStorePath, config.EnvRedisAddr, config.EnvLogLevel)
}

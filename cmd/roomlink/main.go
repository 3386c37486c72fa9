// Package main runs a room bot that connects, logs every event it receives,
// and stays connected until signalled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/roomlink/client"
	"github.com/cory-johannsen/roomlink/internal/config"
	"github.com/cory-johannsen/roomlink/internal/lifecycle"
	"github.com/cory-johannsen/roomlink/internal/observability"
	"github.com/cory-johannsen/roomlink/protocol"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/roomlink.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, map[string]any{"room_id": cfg.Client.RoomID})
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	opts, err := cfg.Client.Options()
	if err != nil {
		logger.Fatal("building client options", zap.Error(err))
	}
	bot, err := client.New(opts, logger.Named("client"))
	if err != nil {
		logger.Fatal("creating client", zap.Error(err))
	}
	for _, kind := range protocol.Kinds() {
		bot.On(kind, logEvent(logger.Named("events")))
	}

	lc := lifecycle.New(logger)
	lc.Add("room", &lifecycle.FuncService{
		StartFn: func(ctx context.Context) error {
			if err := bot.Connect(ctx, cfg.Client.Token, cfg.Client.RoomID); err != nil {
				return fmt.Errorf("connecting: %w", err)
			}
			logger.Info("connecting",
				zap.String("endpoint", cfg.Client.Endpoint),
				zap.Strings("events", cfg.Client.Events),
				observability.Credential("token", cfg.Client.Token),
			)
			<-ctx.Done()
			return nil
		},
		StopFn: bot.Close,
	})

	logger.Info("roomlink ready", zap.Duration("startup", time.Since(start)))
	if err := lc.Run(context.Background()); err != nil {
		logger.Error("lifecycle error", zap.Error(err))
	}
}

// logEvent returns a handler that writes one log entry per event.
func logEvent(logger *zap.Logger) func(protocol.Event) {
	return func(ev protocol.Event) {
		fields := []zap.Field{zap.String("kind", string(ev.Kind()))}
		switch e := ev.(type) {
		case protocol.Ready:
			fields = append(fields, zap.String("user_id", e.UserID), zap.String("room", e.RoomName))
		case protocol.Chat:
			fields = append(fields, zap.String("user", e.User.Username), zap.String("text", e.Text))
		case protocol.UserJoined:
			fields = append(fields, zap.String("user", e.User.Username))
		case protocol.UserLeft:
			fields = append(fields, zap.String("user", e.User.Username))
		case protocol.Reaction:
			fields = append(fields, zap.String("from", e.Sender.Username), zap.String("reaction", e.Reaction))
		case protocol.Tip:
			fields = append(fields, zap.String("from", e.Sender.Username), zap.String("item", e.Item.Type), zap.Int("amount", e.Item.Amount))
		case protocol.ServerError:
			fields = append(fields, zap.String("message", e.Message))
		case protocol.TransportError:
			fields = append(fields, zap.Error(e.Err))
		default:
			fields = append(fields, zap.Any("event", ev))
		}
		logger.Info("event", fields...)
	}
}

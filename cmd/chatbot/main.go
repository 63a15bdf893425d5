// Command chatbot is a terminal client for the streaming chat endpoint.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/eduzmena/chatbot/internal/chat"
	"github.com/eduzmena/chatbot/internal/console"
	"github.com/eduzmena/chatbot/internal/models"
	"github.com/eduzmena/chatbot/internal/services"
	"github.com/google/uuid"
)

const (
	cmdQuit      = "/quit"
	cmdReconnect = "/reconnect"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "", "path to the YAML config file")
	url := flag.String("url", "", "chat endpoint, overrides the config file")
	flag.Parse()

	optional := *cfgPath == ""
	if optional {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("error getting user config dir: %w", err)
		}
		*cfgPath = filepath.Join(cfgDir, "chatbot", "client.yaml")
	}

	cfg, err := loadConfig(*cfgPath, optional)
	if err != nil {
		return err
	}
	if *url != "" {
		cfg.Chat.URL = *url
	}

	level, _ := cfg.level()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	renderer := console.NewRenderer(os.Stdout, cfg.consoleOptions(os.Stdout)...)
	defer renderer.Close()

	opts := []chat.Option{chat.WithLogger(logger)}
	if cfg.Transcript != "" {
		db, err := services.NewBoltDB(cfg.Transcript)
		if err != nil {
			return err
		}
		defer db.Close()

		chatID, err := db.AddChat(context.Background(), models.Chat{ID: uuid.New().String()})
		if err != nil {
			return fmt.Errorf("error creating transcript: %w", err)
		}
		logger.Info("Recording transcript", slog.String("path", cfg.Transcript), slog.String("chatID", chatID))
		opts = append(opts, chat.WithRecorder(services.NewTranscript(db, chatID, logger)))
	}

	dialer := services.NewWebSocketDialer(cfg.HandshakeTimeout, nil)
	session := chat.NewSession(cfg.Chat, dialer, renderer, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Open(ctx); err != nil {
		return fmt.Errorf("error opening session: %w", err)
	}

	go readInput(session, stop)

	<-session.Done()
	return nil
}

// readInput forwards stdin lines to the session until /quit or end of input.
func readInput(session *chat.Session, stop context.CancelFunc) {
	defer stop()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		switch strings.TrimSpace(line) {
		case cmdQuit:
			return
		case cmdReconnect:
			session.Reconnect()
		default:
			session.Send(line)
		}
	}
}

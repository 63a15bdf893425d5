package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/eduzmena/chatbot/internal/chat"
	"github.com/eduzmena/chatbot/internal/console"
	"github.com/muesli/termenv"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

type config struct {
	LogLevel         string        `yaml:"logLevel"`
	Color            string        `yaml:"color"`
	Transcript       string        `yaml:"transcript"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	Chat             chat.Config   `yaml:"chat"`
}

const (
	colorAuto   = "auto"
	colorAlways = "always"
	colorNever  = "never"
)

func defaultConfig() config {
	return config{
		LogLevel:         "warn",
		Color:            colorAuto,
		HandshakeTimeout: 10 * time.Second,
		Chat:             chat.DefaultConfig(),
	}
}

// loadConfig reads the YAML file at path over the defaults. A missing file is not an error when
// optional is set.
func loadConfig(path string, optional bool) (config, error) {
	cfg := defaultConfig()

	f, err := os.Open(path)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	if _, err := c.level(); err != nil {
		return err
	}
	switch c.Color {
	case "", colorAuto, colorAlways, colorNever:
	default:
		return fmt.Errorf("unknown color mode: %s", c.Color)
	}
	return nil
}

func (c config) level() (slog.Level, error) {
	var l slog.Level
	if c.LogLevel == "" {
		return slog.LevelWarn, nil
	}
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// colorProfile picks the colors for out. In auto mode termenv inspects the terminal and the
// NO_COLOR and CLICOLOR_FORCE variables.
func (c config) colorProfile(out *os.File) termenv.Profile {
	switch c.Color {
	case colorAlways:
		return termenv.ANSI256
	case colorNever:
		return termenv.Ascii
	}
	return termenv.NewOutput(out).EnvColorProfile()
}

// consoleOptions configures the renderer for out. Messages are rewritten in place only on a terminal.
func (c config) consoleOptions(out *os.File) []console.Option {
	fd := int(out.Fd())
	return []console.Option{
		console.WithColorProfile(c.colorProfile(out)),
		console.WithRewrite(term.IsTerminal(fd)),
		console.WithWidth(func() int {
			w, _, err := term.GetSize(fd)
			if err != nil {
				return 0
			}
			return w
		}),
	}
}

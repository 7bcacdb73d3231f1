package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/fentz26/waypoint/internal/config"
	"github.com/lmittmann/tint"
)

func newLogger(lc config.LogConfig, output io.Writer) (*slog.Logger, error) {
	level, err := parseLogLevel(lc.Level)
	if err != nil {
		return nil, err
	}

	switch lc.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})), nil
	case "", "text":
		handler := tint.NewHandler(output, &tint.Options{
			Level:      level,
			TimeFormat: "2006-01-02 15:04:05.000Z07:00",
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				if a.Value.Kind() == slog.KindAny {
					if _, ok := a.Value.Any().(error); ok {
						return tint.Attr(9, a)
					}
				}
				return a
			},
		})
		return slog.New(handler), nil
	}
	return nil, fmt.Errorf("unknown log format %q", lc.Format)
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

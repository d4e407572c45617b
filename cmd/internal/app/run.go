package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the entrypoint used by the serve command.
// It returns an error instead of calling os.Exit so defers still run.
func Run(cfg Config) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	a, err := New(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.Run(ctx)
}

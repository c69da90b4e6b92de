package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/casevault/casesync/internal/sync"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if errors.Is(err, sync.ErrRehydrationRequired) {
			os.Exit(2)
		}

		exitOnError(err)
	}
}

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

	"comparium/internal/app"
	logx "comparium/pkg/logx"
	"comparium/pkg/sdnotify"
)

func main() {
	var (
		cfgPath string
		once    bool
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config (json or yaml)")
	flag.BoolVar(&once, "once", false, "run one scan and exit")
	flag.Parse()

	// Used until the app's own logger exists, and after it is closed.
	boot := logx.NewConsole("info")

	a, err := app.NewApp(cfgPath)
	if err != nil {
		boot.Error("config load failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}

	if once {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		rep, err := a.RunOnce(ctx)
		cancel()
		if err != nil {
			boot.Error("scan failed", logx.Err(err))
			os.Exit(1)
		}
		fmt.Printf("date=%s due=%d created=%d duplicate=%d failed=%d abandoned=%d\n",
			rep.Date, rep.Due, rep.Created, rep.Duplicate, rep.Failed, rep.Abandoned)
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		os.Exit(1)
	}
	log := a.Logger()
	sdnotify.Ready(log)
	go sdnotify.Watchdog(ctx, log, func() bool { return a.Err() == nil })
	go func() {
		for line := range a.ScanStatus(ctx) {
			sdnotify.Status(log, line)
		}
	}()

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	sdnotify.Stopping(log)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	_ = a.Stop(stopCtx, reason)
	stopCancel()

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		boot.Error("stopped on error", logx.String("reason", string(reason)), logx.Err(err))
		os.Exit(1)
	}
}

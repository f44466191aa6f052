package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rahul/stepwise/internal/app"
	"github.com/rahul/stepwise/internal/gateway"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var noDashboard bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the browser and answer chat commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(noDashboard)
		},
	}
	cmd.Flags().BoolVar(&noDashboard, "no-dashboard", false, "do not draw the live status line")
	return cmd
}

func serve(noDashboard bool) error {
	dashboard := !noDashboard && observability.IsTerminal()
	if dashboard {
		observability.PrintBanner()
		observability.InitializeTerminal()
		defer observability.CleanupTerminal()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(observability.NewTermWriter(), cfg.Logs.LLMLogPath)

	svc, err := app.New(cfg, app.Options{}, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher := gateway.NewDispatcher(svc, logger)
	var gateways []gateway.Messenger
	if tg, ok := cfg.GetTelegramConfig(); ok {
		var chats []int64
		for _, c := range tg.Allowed {
			id, err := strconv.ParseInt(c, 10, 64)
			if err != nil {
				logger.Warnf("telegram: ignoring allowed chat %q: %v", c, err)
				continue
			}
			chats = append(chats, id)
		}
		g, err := gateway.NewTelegramGateway(tg.Token, dispatcher, chats, logger)
		if err != nil {
			return err
		}
		gateways = append(gateways, g)
	}
	if dc, ok := cfg.GetDiscordConfig(); ok {
		g, err := gateway.NewDiscordGateway(dc.Token, dispatcher, dc.Allowed, logger)
		if err != nil {
			return err
		}
		gateways = append(gateways, g)
	}
	if len(gateways) == 0 {
		logger.Warnf("no gateway is enabled; only URL triggers will run")
	}

	if err := svc.Init(ctx, gateway.NewRestorer(gateways...)); err != nil {
		return err
	}
	if _, err := svc.OpenTab(ctx, cfg.Browser.StartURL); err != nil {
		return err
	}

	for _, g := range gateways {
		g := g
		go func() {
			if err := g.Start(ctx); err != nil {
				logger.Errorf("%s gateway stopped: %v", g.Name(), err)
				stop()
			}
		}()
	}

	if dashboard {
		go tick(ctx, time.Second, observability.PrintLiveStatus)
	}
	go tick(ctx, 30*time.Second, func() {
		observability.Heartbeat()
		logger.LogHeartbeat()
	})

	<-ctx.Done()
	for _, g := range gateways {
		_ = g.Stop()
	}
	logger.Infof("shutting down")
	return nil
}

func tick(ctx context.Context, every time.Duration, fn func()) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianSign/services/authority"
	"github.com/AleutianAI/AleutianSign/services/signing/events"
)

var (
	runOffline     bool
	runMetricsAddr string

	authorityAddr string

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Runs the signing engine as a daemon",
		Long: `Starts the sync drain loop and the expiry watcher and keeps them
running until interrupted. Pending queue items replicate to the
configured authority whenever the engine is online.`,
		RunE: runRunCommand,
	}
	authorityCmd = &cobra.Command{
		Use:   "authority",
		Short: "Runs a reference signing authority for local development",
		RunE:  runAuthorityCommand,
	}
)

func init() {
	runCmd.Flags().BoolVar(&runOffline, "offline", false, "start without attempting replication")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	authorityCmd.Flags().StringVar(&authorityAddr, "addr", ":8841", "listen address")
	rootCmd.AddCommand(runCmd, authorityCmd)
}

func runRunCommand(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	eng.bus.Subscribe(func(ev events.Event) {
		switch ev.Type {
		case events.TypeSyncDeadLettered:
			if f, ok := ev.Data.(events.SyncFailure); ok {
				logger.Error("replication dead-lettered", "item_id", f.ItemID, "session_id", f.SessionID, "error", f.Err)
			}
		case events.TypeSessionExpired:
			logger.Info("session expired", "session_id", ev.Data)
		}
	}, events.TypeSyncDeadLettered, events.TypeSessionExpired)

	eng.sync.Start()
	eng.expiry.Start()
	eng.sync.SetOnline(!runOffline)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	if runMetricsAddr != "" {
		srv := &http.Server{Addr: runMetricsAddr, Handler: promhttp.Handler()}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		logger.Info("metrics listening", "addr", runMetricsAddr)
	}

	logger.Info("engine running", "online", !runOffline)
	<-ctx.Done()
	logger.Info("shutting down")
	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

func runAuthorityCommand(cmd *cobra.Command, args []string) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	auth := authority.New(logger.Slog())
	auth.SetupRoutes(router)

	srv := &http.Server{Addr: authorityAddr, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("authority listening", "addr", authorityAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("authority server: %w", err)
	}
	return nil
}

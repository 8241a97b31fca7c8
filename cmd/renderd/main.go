// Copyright (C) The AutoVideo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// renderd is the render job orchestrator daemon. It accepts render
// requests over its management API, runs them across the configured
// execution tiers, and falls back to self-provisioned VMs when remote
// capacity is exhausted.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/autovideo-dev/renderd/lib/cloud"
	"github.com/autovideo-dev/renderd/lib/cloud/batchapi"
	"github.com/autovideo-dev/renderd/lib/cloud/ec2"
	"github.com/autovideo-dev/renderd/lib/config"
	"github.com/autovideo-dev/renderd/lib/ctxlog"
	"github.com/autovideo-dev/renderd/lib/orchestrator"
	"github.com/autovideo-dev/renderd/lib/staging"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "renderd",
		Short:         "render job orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/renderd/renderd.yml", "configuration file")
	root.AddCommand(runCommand(), rankCommand())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "renderd:", err)
		os.Exit(1)
	}
}

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "start the orchestrator and serve the management API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
}

func run(cfg *config.Config) error {
	logger := ctxlog.New(os.Stderr, cfg.Logging.Format, cfg.Logging.Level)
	ctx, stop := signal.NotifyContext(ctxlog.Context(context.Background(), logger), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.AccelService.Endpoint == "" {
		return errors.New("AccelService.Endpoint must be provided")
	}
	svc := batchapi.New(cfg.AccelService.Endpoint, cfg.AccelService.AuthToken, logger)

	store, err := staging.NewStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}

	driver := cfg.ComputeVM.Driver
	if driver == "" {
		driver = "ec2"
	}
	if driver != "ec2" {
		return fmt.Errorf("unsupported ComputeVM.Driver %q", driver)
	}
	is, err := ec2.NewInstanceSet(ctx, cfg.ComputeVM.EC2, cloud.InstanceSetID("renderd"), logger)
	if err != nil {
		return err
	}
	defer is.Stop()

	reg := prometheus.NewRegistry()
	orch := orchestrator.New(ctx, orchestrator.Params{
		Catalog:                cfg.Tiers,
		JobService:             svc,
		InstanceSet:            is,
		Store:                  store,
		Bucket:                 cfg.Storage.Bucket,
		ContainerRef:           cfg.Render.ContainerRef,
		MaxRetries:             cfg.Render.MaxRetries,
		RetryDelay:             cfg.Render.RetryDelay.Duration(),
		PollInterval:           cfg.Render.PollInterval.Duration(),
		JobTimeout:             cfg.Render.JobTimeout.Duration(),
		VMTimeout:              cfg.Render.VMTimeout.Duration(),
		VMPollInterval:         cfg.Render.VMPollInterval.Duration(),
		MinViableTimeout:       cfg.Render.MinViableTimeout.Duration(),
		StatusQueriesPerSecond: cfg.Render.StatusQueriesPerSecond,
		Registry:               reg,
		Logger:                 logger,
	})

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: orchestrator.NewHandler(orch, reg, cfg.ManagementToken, logger),
	}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	logger.WithField("Listen", cfg.Listen).Info("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

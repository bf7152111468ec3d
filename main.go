// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ffutop/twain-bridge/internal/bridge"
	"github.com/ffutop/twain-bridge/internal/config"
	"github.com/ffutop/twain-bridge/internal/driver/virtual"
	"github.com/ffutop/twain-bridge/internal/imageblocks"
	"github.com/ffutop/twain-bridge/internal/metrics"
	"github.com/ffutop/twain-bridge/internal/registry"
	"github.com/ffutop/twain-bridge/transport"
	"github.com/ffutop/twain-bridge/transport/serial"
	"github.com/ffutop/twain-bridge/transport/tcp"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:           "twain-bridge",
		Short:         "Serve TWAIN Local sessions on top of a TWAIN driver",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runBridge,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "Configuration file path.")
	pf.StringP("log-level", "v", "", "Log verbosity level (debug, info, warn, error).")
	pf.StringP("log-file", "L", "", "Log file name ('-' for logging to STDOUT only).")
	pf.String("images-folder", "", "Folder image blocks are written to.")
	pf.String("register-file", "", "Scanner register file.")

	f := root.Flags()
	f.String("ipc", "", "Command channel type (tcp, serial).")
	f.StringP("ipc-address", "A", "", "Address of the controlling process.")
	f.StringP("serial-device", "p", "", "Serial port device name.")
	f.Int("parent-pid", 0, "Exit when this process exits.")
	f.String("scanner", "", "Scanner product name.")
	f.String("metrics-address", "", "Serve Prometheus metrics on this address.")

	root.AddCommand(devicesCommand(), releaseCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogger(cfg.Log)
	logger := slog.Default()
	logger.Info("Starting TWAIN bridge...", "ipc", cfg.IPC.Type, "scanner", cfg.Scanner)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	factory, err := virtual.NewFactory(cfg.Driver.Virtual, logger)
	if err != nil {
		return err
	}

	m := metrics.New()
	if cfg.Metrics.Address != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Address); err != nil {
				logger.Error("Metrics endpoint stopped", "error", err)
			}
		}()
	}

	ch, err := openChannel(ctx, cfg.IPC, logger)
	if err != nil {
		return err
	}
	defer ch.Close()
	if cfg.IPC.ParentPID > 0 {
		go transport.MonitorPid(ctx, cfg.IPC.ParentPID, cfg.IPC.MonitorInterval, ch, logger)
	}

	b := bridge.New(bridge.Options{
		ImagesFolder:       cfg.ImagesFolder,
		RegisterFile:       cfg.RegisterFile,
		PlatformPrefix:     cfg.Capture.PlatformPrefix,
		TransferMechanism:  cfg.Capture.TransferMechanism,
		ShowIndicators:     cfg.Capture.ShowIndicators,
		ForceDrainedStatus: cfg.Developer.ForceDrainedStatus,
		Signer:             cfg.Signer(),
	}, factory, logger, m)
	defer b.Close()

	err = b.Run(ctx, ch)
	logger.Info("Goodbye.")
	return err
}

func openChannel(ctx context.Context, cfg config.IPCConfig, logger *slog.Logger) (*transport.Stream, error) {
	switch cfg.Type {
	case "tcp":
		return tcp.Dial(ctx, cfg.Address, cfg.DialTimeout, logger)
	case "serial":
		return serial.Open(cfg.Serial, logger)
	}
	return nil, fmt.Errorf("unknown ipc type %q", cfg.Type)
}

func devicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the scanners in the register",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("register-file")
			if path == "" {
				path = os.Getenv(config.EnvPrefix + "_REGISTER_FILE")
			}
			reg, err := registry.Load(path)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tMANUFACTURER\tMODEL\tSERIAL\tTWAIN DIRECT")
			for _, s := range reg.Scanners {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Name, s.Manufacturer, s.Model, s.SerialNumber, s.Tier)
			}
			return w.Flush()
		},
	}
}

func releaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "release FIRST [LAST]",
		Short: "Delete delivered image blocks",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			first, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid block number %q", args[0])
			}
			last := first
			if len(args) == 2 {
				if last, err = strconv.Atoi(args[1]); err != nil {
					return fmt.Errorf("invalid block number %q", args[1])
				}
			}
			folder, _ := cmd.Flags().GetString("images-folder")
			if folder == "" {
				folder = "images"
			}
			released, err := imageblocks.New(folder).Release(first, last)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d image blocks\n", len(released))
			return nil
		},
	}
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/advisor/internal/advisory"
	"github.com/ashureev/advisor/internal/capability/remote"
	"github.com/ashureev/advisor/internal/capability/rules"
	"github.com/ashureev/advisor/internal/config"
	"github.com/ashureev/advisor/internal/schema"
	"github.com/spf13/cobra"
)

// runCapabilities exposes the rules provider and the builtin advisory units
// to advisors configured with CAPABILITY_PROVIDER=remote.
func runCapabilities(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := schema.Load(cfg.SchemaPath)
	if err != nil {
		return fmt.Errorf("load profile schema: %w", err)
	}

	set := rules.New(s)
	set.Units = advisory.Units()

	lis, err := net.Listen("tcp", listenFlag)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenFlag, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting capability service", "address", lis.Addr().String(), "slots", len(s.Names()))
	return remote.NewServer(set, slog.Default()).Serve(ctx, lis)
}

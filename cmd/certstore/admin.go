package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/certstore/pkg/metrics"
	"github.com/cuemby/certstore/pkg/storage"
	"github.com/spf13/cobra"
)

func newMaintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Back up and compact the store once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, s *storage.Store) error {
				timer := metrics.NewTimer()
				if err := s.PerformMaintenance(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Maintenance completed in %s\n", timer.Duration().Round(time.Millisecond))
				return nil
			})
		},
	}
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Take an online backup of the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, s *storage.Store) error {
				if err := s.Backup(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Backup of %s store completed\n", s.Backend())
				return nil
			})
		},
	}
}

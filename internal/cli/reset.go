package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ahrav/rekey/internal/bootstrap"
	"github.com/ahrav/rekey/internal/config"
	"github.com/ahrav/rekey/internal/domain/rekey"
)

func newResetCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear the saved checkpoint so the next run starts over",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := s.load(cmd)
			if err != nil {
				return err
			}
			return resetCheckpoint(cmd, cfg)
		},
	}
}

func resetCheckpoint(cmd *cobra.Command, cfg *config.Config) error {
	ctx := cmd.Context()
	log := bootstrap.NewLogger(cmd.ErrOrStderr(), cfg.Log, "rekey")

	providers, teardown, err := bootstrap.InitTelemetry(log, *cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer teardown(context.WithoutCancel(ctx))

	res, err := bootstrap.Open(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer res.Close()

	store, err := bootstrap.CheckpointStore(cfg, res, log, providers.Tracer.Tracer(cfg.Log.ServiceName))
	if err != nil {
		return err
	}
	return clearCheckpoint(ctx, cmd, store)
}

func clearCheckpoint(ctx context.Context, cmd *cobra.Command, store rekey.CheckpointStore) error {
	if err := store.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset checkpoint: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Checkpoint has been reset.")
	return nil
}

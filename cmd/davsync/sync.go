package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/davsync/internal/app"
	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

var syncMappingID string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a sync now",
	Long: `Run one sync pass outside the daemon. With --mapping a single
mapping is synced; without it every enabled mapping runs in turn.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		container, err := app.NewContainer(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer container.Close()

		mappings, err := resolveMappings(ctx, container)
		if err != nil {
			return err
		}
		if len(mappings) == 0 {
			fmt.Println("No enabled mappings to sync.")
			return nil
		}

		for _, mapping := range mappings {
			log, err := container.Engine.Sync(ctx, mapping)
			if err != nil {
				return fmt.Errorf("sync mapping %s: %w", mapping.ID(), err)
			}
			fmt.Printf("%s: %s (%d inserted, %d updated, %d deleted, %d errors)\n",
				mapping.ID(), log.Status(),
				log.Inserted(), log.Updated(), log.Deleted(), log.ErrorCount())
		}
		return nil
	},
}

func resolveMappings(ctx context.Context, c *app.Container) ([]*domain.Mapping, error) {
	if syncMappingID == "" {
		return c.Mappings.FindEnabled(ctx)
	}

	id, err := uuid.Parse(syncMappingID)
	if err != nil {
		return nil, fmt.Errorf("invalid mapping id %q: %w", syncMappingID, err)
	}
	mapping, err := c.Mappings.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if mapping == nil {
		return nil, fmt.Errorf("mapping %s not found", id)
	}
	return []*domain.Mapping{mapping}, nil
}

func init() {
	syncCmd.Flags().StringVarP(&syncMappingID, "mapping", "m", "", "mapping id to sync")
}

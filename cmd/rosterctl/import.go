package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"rosterhub/pkg/cache"
	"rosterhub/pkg/importer"
)

type importOptions struct {
	ownerEmail string
	file       string
	batchSize  int
}

// newImportCmd loads a sheet synchronously, bypassing the queue. No email is
// sent; the result is printed instead.
func newImportCmd(e *env) *cobra.Command {
	var opts importOptions
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a CSV, XLSX or XLS file into a user's roster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, closeStore, err := e.store(ctx)
			if err != nil {
				return err
			}
			defer closeStore()
			owner, err := lookupUser(ctx, s, opts.ownerEmail)
			if err != nil {
				return err
			}

			start := time.Now()
			res, err := importer.NewImporter(s, opts.batchSize).Import(ctx, opts.file, "", owner.ID)
			if res.Rows > 0 {
				forgetList(cmd, e.opts.redisAddr, owner.ID)
			}
			if err != nil {
				return fmt.Errorf("import stopped after %d rows: %w", res.Rows, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d rows in %d batches (%s)\n", res.Rows, res.Batches, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.ownerEmail, "owner-email", "", "Email of the roster owner (required)")
	cmd.Flags().StringVar(&opts.file, "file", "", "Path to the spreadsheet (required)")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", importer.DefaultBatchSize, "Rows per insert")
	_ = cmd.MarkFlagRequired("owner-email")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func forgetList(cmd *cobra.Command, redisAddr, ownerID string) {
	if redisAddr == "" {
		return
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer client.Close()
	if err := cache.NewRedisCache(client, "").Forget(cmd.Context(), ownerID); err != nil {
		slog.Warn("cache invalidation failed", "owner_id", ownerID, "err", err)
	}
}

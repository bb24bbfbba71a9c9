// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/LeeDigitalWorks/zapoffload/pkg/admin"
	"github.com/LeeDigitalWorks/zapoffload/pkg/metadata"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type MigrateOpts struct {
	Stack StackOpts

	ProfileID string
	Folder    string
	Limit     int
	RPS       float64
	DryRun    bool
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Move unassigned local files onto a storage profile",
	Long: `Assign local, non-folder records that have no storage profile to the
given profile. Each record is uploaded through the lifecycle exactly as an
admin bulk assignment would; failures are counted and skipped.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	f := migrateCmd.Flags()
	f.String("profile", "", "Target storage profile id (required)")
	f.String("folder", "", "Only records in this folder")
	f.Int("limit", admin.DefaultBulkLimit, "Maximum records to process")
	f.Float64("rps", 0, "Records per second (0 = unlimited)")
	f.Bool("dry_run", false, "Report what would be moved without uploading")

	viper.BindPFlags(f)
}

func loadMigrateOpts(cmd *cobra.Command) MigrateOpts {
	f := NewFlagLoader(cmd)
	return MigrateOpts{
		Stack:     loadStackOpts(f),
		ProfileID: f.String("profile"),
		Folder:    f.String("folder"),
		Limit:     f.Int("limit"),
		RPS:       f.Float64("rps"),
		DryRun:    f.Bool("dry_run"),
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	opts := loadMigrateOpts(cmd)
	if opts.ProfileID == "" {
		return fmt.Errorf("--profile is required")
	}

	s, err := openStack(cmd.Context(), opts.Stack)
	if err != nil {
		return err
	}
	defer s.Close()

	return migrate(cmd.Context(), s, opts, cmd.OutOrStdout())
}

func migrate(ctx context.Context, s *stack, opts MigrateOpts, out io.Writer) error {
	p, err := s.profiles.Get(ctx, opts.ProfileID)
	if err != nil {
		return err
	}

	if opts.DryRun {
		recs, err := s.records.List(ctx, metadata.RecordFilter{
			Unassigned:     true,
			ExcludeFolders: true,
			Folder:         opts.Folder,
			Limit:          opts.Limit,
		})
		if err != nil {
			return err
		}
		var total int64
		for _, rec := range recs {
			total += rec.Size
		}
		fmt.Fprintf(out, "Would move %d files (%s) to %s\n", len(recs), humanize.IBytes(uint64(total)), p.Title)
		return nil
	}

	res, err := admin.NewBulkAssigner(s.profiles, s.records, opts.RPS).Assign(ctx, p.ID, opts.Folder, opts.Limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, res.Message)
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d files failed", res.Failed, res.Attempted)
	}
	return nil
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/videoinsight/internal/fileops"
)

var importCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Create a job for every video under dir; `serve` picks them up on start",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		videos, err := fileops.FindVideoFiles(args[0])
		if err != nil {
			return fmt.Errorf("scan %s: %w", args[0], err)
		}
		if len(videos) == 0 {
			fmt.Printf("no videos found in %s\n", args[0])
			return nil
		}

		a, err := newApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.close(cmd.Context())

		for _, path := range videos {
			j, err := a.orch.CreateJob(cmd.Context(), path, nil)
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s\n", j.ID, path)
		}
		fmt.Printf("%d job(s) created\n", len(videos))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}

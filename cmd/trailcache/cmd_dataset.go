package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/trail-cache/internal/dataset"
)

var cmdDataset = &cobra.Command{
	Use:   "dataset",
	Short: "Create and tune the local dataset file",
}

var cmdDatasetInit = &cobra.Command{
	Use:   "init",
	Short: "Create or upgrade the dataset schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := cfg.DatasetPath()
		if err := dataset.Bootstrap(cmd.Context(), path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "dataset ready at %s\n", path)
		return nil
	},
}

var cmdDatasetOptimize = &cobra.Command{
	Use:   "optimize",
	Short: "Create query indexes and refresh planner statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := cfg.DatasetPath()
		if err := dataset.Optimize(cmd.Context(), path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "dataset optimized at %s\n", path)
		return nil
	},
}

func init() {
	cmdRoot.AddCommand(cmdDataset)
	cmdDataset.AddCommand(cmdDatasetInit, cmdDatasetOptimize)
}

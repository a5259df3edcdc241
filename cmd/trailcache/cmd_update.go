package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/trail-cache/internal/version"
)

var cmdCheckUpdate = &cobra.Command{
	Use:   "check-update",
	Short: "Compare the active dataset version with the remote one",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp(cmd.Context(), "check-update")
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		res, err := a.Versions.CheckForUpdates(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var installVersion string

var cmdInstall = &cobra.Command{
	Use:   "install",
	Short: "Download and atomically install a dataset version",
	Long: `
The "install" command downloads the requested dataset version (or the latest
available one when --version is omitted), verifies it and replaces the active
dataset. On any failure the previous dataset stays active.
`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp(cmd.Context(), "install")
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		v := installVersion
		if v == "" {
			res, err := a.Versions.CheckForUpdates(cmd.Context())
			if err != nil {
				return err
			}
			if res.Latest == "" || version.Compare(res.Latest, res.Active) <= 0 {
				return errors.New("no newer dataset version is available")
			}
			v = res.Latest
		}
		installed, err := a.Versions.DownloadUpdate(cmd.Context(), v)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), installed)
	},
}

func init() {
	cmdRoot.AddCommand(cmdCheckUpdate, cmdInstall)
	cmdInstall.Flags().StringVar(&installVersion, "version", "", "dataset version to install")
}

package commands

import (
	"errors"
	"fmt"

	"github.com/beam-cloud/asar/pkg/asar"
	"github.com/spf13/cobra"
)

var errMissingInput = errors.New("an input archive is required")

var listOpts struct {
	archivePath string
	contains    string
}

var ListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the entries of an archive",
	RunE:  runList,
}

func init() {
	ListCmd.Flags().StringVarP(&listOpts.archivePath, "input", "i", "", "Archive to list")
	ListCmd.Flags().StringVar(&listOpts.contains, "contains", "", "Only report whether this entry exists")
	ListCmd.MarkFlagRequired("input")
}

func runList(cmd *cobra.Command, args []string) error {
	if err := expandPaths(&listOpts.archivePath); err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if listOpts.contains != "" {
		ok, err := asar.Contains(listOpts.archivePath, listOpts.contains)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s not found in %s", listOpts.contains, listOpts.archivePath)
		}
		fmt.Fprintln(out, listOpts.contains)
		return nil
	}

	paths, err := asar.List(listOpts.archivePath)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintln(out, p)
	}
	return nil
}

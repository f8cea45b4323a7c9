package commands

import (
	"github.com/beam-cloud/asar/pkg/asar"
	"github.com/spf13/cobra"
)

var packOpts = &asar.CreateOptions{}

var PackCmd = &cobra.Command{
	Use:     "pack",
	Aliases: []string{"create"},
	Short:   "Pack a directory into an archive",
	RunE:    runPack,
}

func init() {
	PackCmd.Flags().StringVarP(&packOpts.SourcePath, "input", "i", "", "Input directory to archive")
	PackCmd.Flags().StringVarP(&packOpts.ArchivePath, "output", "o", "app.asar", "Output file for the archive")
	PackCmd.Flags().StringVar(&packOpts.Unpack, "unpack", "", "Glob of files to keep outside the archive")
	PackCmd.Flags().StringVar(&packOpts.UnpackDir, "unpack-dir", "", "Glob of directories to keep outside the archive")
	PackCmd.Flags().Bool("integrity", true, "Record SHA-256 block digests")
	PackCmd.Flags().Uint32("block-size", 0, "Integrity block size in bytes")
	PackCmd.Flags().Int("workers", 0, "Number of files copied at once")
	PackCmd.Flags().BoolVarP(&packOpts.Verbose, "verbose", "v", false, "Verbose output")
	PackCmd.MarkFlagRequired("input")
}

func runPack(cmd *cobra.Command, args []string) error {
	err := bindFlags(cmd, map[string]string{
		"integrity":  "integrity.enabled",
		"block-size": "integrity.block_size",
		"workers":    "pack.workers",
		"unpack":     "pack.unpack",
		"unpack-dir": "pack.unpack_dir",
	})
	if err != nil {
		return err
	}

	if err := expandPaths(&packOpts.SourcePath, &packOpts.ArchivePath); err != nil {
		return err
	}

	packOpts.Integrity = cfg.GetBool("integrity.enabled")
	packOpts.BlockSize = cfg.GetUint32("integrity.block_size")
	packOpts.Workers = cfg.GetInt("pack.workers")
	packOpts.Unpack = cfg.GetString("pack.unpack")
	packOpts.UnpackDir = cfg.GetString("pack.unpack_dir")

	return asar.CreatePackage(cmd.Context(), *packOpts)
}

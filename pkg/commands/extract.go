package commands

import (
	"github.com/beam-cloud/asar/pkg/asar"
	"github.com/beam-cloud/asar/pkg/storage"
	"github.com/spf13/cobra"
)

type ExtractCmdOptions struct {
	InputFile  string
	OutputPath string
	Verbose    bool
	Bucket     string
	Key        string
	URL        string
}

var extractOpts = &ExtractCmdOptions{}

var ExtractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract an archive to the specified path",
	RunE:  runExtract,
}

func init() {
	ExtractCmd.Flags().StringVarP(&extractOpts.InputFile, "input", "i", "", "Input file to extract")
	ExtractCmd.Flags().StringVarP(&extractOpts.OutputPath, "output", "o", ".", "Output path for the extraction")
	ExtractCmd.Flags().Bool("verify", false, "Check file contents against recorded digests")
	ExtractCmd.Flags().BoolVarP(&extractOpts.Verbose, "verbose", "v", false, "Verbose output")
	ExtractCmd.Flags().StringVarP(&extractOpts.Bucket, "bucket", "b", "", "Read the archive from this S3 bucket instead of a local file")
	ExtractCmd.Flags().StringVarP(&extractOpts.Key, "key", "k", "", "S3 key of the archive")
	ExtractCmd.Flags().StringVar(&extractOpts.URL, "url", "", "Read the archive from this HTTP URL instead of a local file")
}

func runExtract(cmd *cobra.Command, args []string) error {
	if err := bindFlags(cmd, map[string]string{"verify": "integrity.verify"}); err != nil {
		return err
	}
	if err := expandPaths(&extractOpts.InputFile, &extractOpts.OutputPath); err != nil {
		return err
	}

	options := asar.ExtractOptions{
		ArchivePath:     extractOpts.InputFile,
		OutputPath:      extractOpts.OutputPath,
		VerifyIntegrity: cfg.GetBool("integrity.verify"),
		Verbose:         extractOpts.Verbose,
	}

	var storageOpts storage.ArchiveStorageOpts
	switch {
	case extractOpts.Bucket != "":
		s3Opts := s3OptionsFromConfig(extractOpts.Bucket, extractOpts.Key)
		storageOpts.S3 = &s3Opts
	case extractOpts.URL != "":
		storageOpts.HTTP = &storage.HTTPStorageOpts{URL: extractOpts.URL}
	case extractOpts.InputFile == "":
		return errMissingInput
	default:
		return asar.ExtractAll(cmd.Context(), options)
	}

	s, err := storage.NewArchiveStorage(storageOpts)
	if err != nil {
		return err
	}
	defer s.Cleanup()

	return asar.ExtractFromStorage(cmd.Context(), s, options)
}

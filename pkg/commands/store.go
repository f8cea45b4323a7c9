package commands

import (
	"github.com/beam-cloud/asar/pkg/asar"
	"github.com/beam-cloud/asar/pkg/storage"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var StoreCmd = &cobra.Command{
	Use:   "store",
	Short: "Store an archive in remote storage",
}

var StoreS3Cmd = &cobra.Command{
	Use:   "s3",
	Short: "Upload an archive and its unpacked files to s3",
	RunE:  runStoreS3,
}

type StoreS3Options struct {
	ArchivePath string
	Bucket      string
	Key         string
}

var storeS3Opts = &StoreS3Options{}

func init() {
	StoreCmd.AddCommand(StoreS3Cmd)

	StoreS3Cmd.Flags().StringVarP(&storeS3Opts.ArchivePath, "input", "i", "", "Input archive path")
	StoreS3Cmd.Flags().StringVarP(&storeS3Opts.Bucket, "bucket", "b", "", "S3 bucket name")
	StoreS3Cmd.Flags().StringVarP(&storeS3Opts.Key, "key", "k", "", "S3 bucket key (optional)")

	StoreS3Cmd.MarkFlagRequired("input")
	StoreS3Cmd.MarkFlagRequired("bucket")
}

func runStoreS3(cmd *cobra.Command, args []string) error {
	if err := expandPaths(&storeS3Opts.ArchivePath); err != nil {
		return err
	}

	progress := make(chan int, 100)
	done := make(chan struct{})
	go func() {
		defer close(done)
		last := -1
		for p := range progress {
			if p/10 != last/10 {
				log.Info().Int("percent", p).Msg("upload progress")
			}
			last = p
		}
	}()

	s3Opts := s3OptionsFromConfig(storeS3Opts.Bucket, storeS3Opts.Key)
	err := asar.StoreS3(cmd.Context(), asar.StoreS3Options{
		ArchivePath:    storeS3Opts.ArchivePath,
		Bucket:         s3Opts.Bucket,
		Key:            s3Opts.Key,
		Region:         s3Opts.Region,
		Endpoint:       s3Opts.Endpoint,
		ForcePathStyle: s3Opts.ForcePathStyle,
		Credentials: storage.S3StorageCredentials{
			AccessKey: s3Opts.AccessKey,
			SecretKey: s3Opts.SecretKey,
		},
		ProgressChan: progress,
	})
	close(progress)
	<-done

	if err != nil {
		return err
	}

	log.Info().Msg("Done.")
	return nil
}

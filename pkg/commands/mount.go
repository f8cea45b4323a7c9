package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/beam-cloud/asar/pkg/asar"
	"github.com/beam-cloud/asar/pkg/storage"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type MountOptions struct {
	archivePath string
	mountPoint  string
	bucket      string
	key         string
	url         string
}

var mountOptions MountOptions

var MountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Mount an archive read-only at a specified mount point",
	RunE:  runMount,
}

func init() {
	MountCmd.Flags().StringVarP(&mountOptions.archivePath, "input", "i", "", "Archive file to mount")
	MountCmd.Flags().StringVarP(&mountOptions.mountPoint, "mountpoint", "m", "", "Directory to mount the archive")
	MountCmd.Flags().Bool("verify", false, "Check every block read against recorded digests")
	MountCmd.Flags().StringVarP(&mountOptions.bucket, "bucket", "b", "", "Serve the archive from this S3 bucket")
	MountCmd.Flags().StringVarP(&mountOptions.key, "key", "k", "", "S3 key of the archive")
	MountCmd.Flags().StringVar(&mountOptions.url, "url", "", "Serve the archive from this HTTP URL")
	MountCmd.MarkFlagRequired("mountpoint")
}

func runMount(cmd *cobra.Command, args []string) error {
	if err := bindFlags(cmd, map[string]string{"verify": "integrity.verify"}); err != nil {
		return err
	}
	if err := expandPaths(&mountOptions.archivePath, &mountOptions.mountPoint); err != nil {
		return err
	}

	options := asar.MountOptions{
		ArchivePath:     mountOptions.archivePath,
		MountPoint:      mountOptions.mountPoint,
		VerifyIntegrity: cfg.GetBool("integrity.verify"),
	}
	switch {
	case mountOptions.bucket != "":
		s3Opts := s3OptionsFromConfig(mountOptions.bucket, mountOptions.key)
		options.S3 = &s3Opts
	case mountOptions.url != "":
		options.HTTP = &storage.HTTPStorageOpts{URL: mountOptions.url}
	case mountOptions.archivePath == "":
		return errMissingInput
	}

	startServer, serverError, server, err := asar.MountArchive(options)
	if err != nil {
		return err
	}
	if err := startServer(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case err, ok := <-serverError:
		if ok && err != nil {
			return err
		}
		return nil
	case s := <-sig:
		log.Info().Msgf("received %s, unmounting %s", s, mountOptions.mountPoint)
	}

	if err := server.Unmount(); err != nil {
		return err
	}
	<-serverError

	log.Info().Msg("unmounted")
	return nil
}

func s3OptionsFromConfig(bucket, key string) storage.S3StorageOpts {
	return storage.S3StorageOpts{
		Bucket:         bucket,
		Key:            key,
		Region:         cfg.GetString("s3.region"),
		Endpoint:       cfg.GetString("s3.endpoint"),
		ForcePathStyle: cfg.GetBool("s3.force_path_style"),
		AccessKey:      cfg.GetString("s3.access_key"),
		SecretKey:      cfg.GetString("s3.secret_key"),
	}
}

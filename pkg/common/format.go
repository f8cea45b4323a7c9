package common

const (
	// DefaultBlockSize is the integrity block size used when none is configured.
	DefaultBlockSize uint32 = 4 * 1024 * 1024

	IntegrityAlgorithmSHA256 = "SHA256"

	// UnpackedSuffix names the sibling directory that holds files excluded from the body.
	UnpackedSuffix = ".unpacked"

	// SizePickleLength is the encoded length of the leading size pickle:
	// a 4-byte payload size followed by a single uint32.
	SizePickleLength = 8
)

// UnpackedDir returns the sibling directory holding unpacked files for archivePath.
func UnpackedDir(archivePath string) string {
	return archivePath + UnpackedSuffix
}

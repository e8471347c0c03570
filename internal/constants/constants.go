// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

// Descriptor constants
const (
	// DescriptorDim is the default length of a face descriptor
	DescriptorDim = 128

	// MaxImageSize is the maximum dimension (width or height) of a frame sent to the extractor
	MaxImageSize = 640
)

// Processing constants
const (
	// WorkerPoolSize is the default number of parallel workers for sync and import
	WorkerPoolSize = 5

	// SyncMaxRetries bounds the backoff retries of a single remote call during sync
	SyncMaxRetries = 3

	// ImportBatchSize is the number of directory rows fetched per query
	ImportBatchSize = 200
)

// Matching constants
const (
	// ANNCandidates is the number of index candidates re-scored exactly by the mirror
	ANNCandidates = 10

	// TempIDPrefix marks locally generated ids that were never written to the remote table
	TempIDPrefix = "tmp-"
)

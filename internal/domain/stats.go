package domain

// StorageStats is a point-in-time view of the vault derived from the file
// index. TotalSize counts logical bytes as if every upload were stored in
// full; TotalStorageSaved is the portion of that never physically written.
type StorageStats struct {
	// TotalFiles is the number of FileRecords, duplicates included.
	TotalFiles int64 `json:"total_files"`

	// TotalSize is the sum of all record sizes in bytes (logical).
	TotalSize int64 `json:"total_size"`

	// TotalStorageSaved is the sum of storage_saved over all duplicates.
	TotalStorageSaved int64 `json:"total_storage_saved"`

	// DuplicateCount is the number of records with is_duplicate = true.
	DuplicateCount int64 `json:"duplicate_count"`

	// UniqueBlobs is the number of physically stored blobs.
	UniqueBlobs int64 `json:"unique_blobs"`

	// PhysicalSize is the actual bytes held by the blob store.
	PhysicalSize int64 `json:"physical_size"`
}

// Efficiency returns the fraction of logical bytes that were never
// physically stored. The raw ratio is exposed; formatting it as a
// percentage is a presentation concern.
func (s StorageStats) Efficiency() float64 {
	if s.TotalSize <= 0 {
		return 0
	}
	return float64(s.TotalStorageSaved) / float64(s.TotalSize)
}

package metrics

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Metrics collects counters for archive operations
type Metrics struct {
	mu sync.RWMutex

	// Pack metrics
	FilesPackedTotal   int64
	BytesPackedTotal   int64
	FilesUnpackedTotal int64

	// Extract metrics
	FilesExtractedTotal  int64
	BytesExtractedTotal  int64
	FilesVerifiedTotal   int64
	IntegrityErrorsTotal int64

	// Range GET metrics
	RangeGetBytesTotal map[string]int64 // by object key
	RangeGetCountTotal map[string]int64 // by object key
	RangeGetDurationNs map[string]int64 // by object key

	// Read path metrics
	ReadHitsTotal   int64
	ReadMissesTotal int64
	ReadBytesTotal  int64

	// Operation durations
	OperationCountTotal map[string]int64 // by operation
	OperationDurationNs map[string]int64 // by operation
}

func NewMetrics() *Metrics {
	return &Metrics{
		RangeGetBytesTotal:  make(map[string]int64),
		RangeGetCountTotal:  make(map[string]int64),
		RangeGetDurationNs:  make(map[string]int64),
		OperationCountTotal: make(map[string]int64),
		OperationDurationNs: make(map[string]int64),
	}
}

// RecordPackedFile records a file written into an archive body or its
// unpacked sibling directory
func (m *Metrics) RecordPackedFile(bytes int64, unpacked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FilesPackedTotal++
	m.BytesPackedTotal += bytes
	if unpacked {
		m.FilesUnpackedTotal++
	}
}

// RecordExtractedFile records a file materialized on disk
func (m *Metrics) RecordExtractedFile(bytes int64, verified bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FilesExtractedTotal++
	m.BytesExtractedTotal += bytes
	if verified {
		m.FilesVerifiedTotal++
	}
}

func (m *Metrics) RecordIntegrityError(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.IntegrityErrorsTotal++

	log.Warn().
		Str("path", path).
		Int64("total_integrity_errors", m.IntegrityErrorsTotal).
		Msg("integrity check failed")
}

// RecordRangeGet records a ranged object GET
func (m *Metrics) RecordRangeGet(key string, bytes int64, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RangeGetBytesTotal[key] += bytes
	m.RangeGetCountTotal[key]++
	m.RangeGetDurationNs[key] += duration.Nanoseconds()

	log.Debug().
		Str("key", key).
		Int64("bytes", bytes).
		Dur("duration", duration).
		Msg("range GET completed")
}

// RecordRead records a read served from a cache (hit) or the backing store (miss)
func (m *Metrics) RecordRead(bytes int64, hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReadBytesTotal += bytes
	if hit {
		m.ReadHitsTotal++
	} else {
		m.ReadMissesTotal++
	}
}

// RecordOperation records the wall time of a top level operation such as pack or extract
func (m *Metrics) RecordOperation(name string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.OperationCountTotal[name]++
	m.OperationDurationNs[name] += duration.Nanoseconds()

	log.Debug().
		Str("operation", name).
		Dur("duration", duration).
		Msg("operation completed")
}

// GetStats returns a snapshot of current statistics
func (m *Metrics) GetStats() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rangeGetBytes, rangeGetCount int64
	for key, bytes := range m.RangeGetBytesTotal {
		rangeGetBytes += bytes
		rangeGetCount += m.RangeGetCountTotal[key]
	}

	operations := make(map[string]time.Duration, len(m.OperationDurationNs))
	for name, ns := range m.OperationDurationNs {
		operations[name] = time.Duration(ns)
	}

	return MetricsSnapshot{
		FilesPacked:     m.FilesPackedTotal,
		BytesPacked:     m.BytesPackedTotal,
		FilesUnpacked:   m.FilesUnpackedTotal,
		FilesExtracted:  m.FilesExtractedTotal,
		BytesExtracted:  m.BytesExtractedTotal,
		FilesVerified:   m.FilesVerifiedTotal,
		IntegrityErrors: m.IntegrityErrorsTotal,
		RangeGetBytes:   rangeGetBytes,
		RangeGetCount:   rangeGetCount,
		ReadHits:        m.ReadHitsTotal,
		ReadMisses:      m.ReadMissesTotal,
		ReadBytes:       m.ReadBytesTotal,
		Operations:      operations,
	}
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	FilesPacked     int64
	BytesPacked     int64
	FilesUnpacked   int64
	FilesExtracted  int64
	BytesExtracted  int64
	FilesVerified   int64
	IntegrityErrors int64
	RangeGetBytes   int64
	RangeGetCount   int64
	ReadHits        int64
	ReadMisses      int64
	ReadBytes       int64
	Operations      map[string]time.Duration
}

// LogSummary logs a summary of current metrics
func (m *Metrics) LogSummary() {
	s := m.GetStats()

	hitRate := float64(0)
	if s.ReadHits+s.ReadMisses > 0 {
		hitRate = float64(s.ReadHits) / float64(s.ReadHits+s.ReadMisses)
	}

	event := log.Info().
		Int64("files_packed", s.FilesPacked).
		Int64("bytes_packed", s.BytesPacked).
		Int64("files_unpacked", s.FilesUnpacked).
		Int64("files_extracted", s.FilesExtracted).
		Int64("bytes_extracted", s.BytesExtracted).
		Int64("files_verified", s.FilesVerified).
		Int64("integrity_errors", s.IntegrityErrors).
		Int64("range_get_bytes", s.RangeGetBytes).
		Int64("range_get_count", s.RangeGetCount).
		Float64("cache_hit_rate", hitRate)
	for name, d := range s.Operations {
		event = event.Dur(name+"_duration", d)
	}
	event.Msg("metrics summary")
}

// Global metrics instance
var GlobalMetrics = NewMetrics()

// Convenience functions for global metrics
func RecordPackedFile(bytes int64, unpacked bool) {
	GlobalMetrics.RecordPackedFile(bytes, unpacked)
}

func RecordExtractedFile(bytes int64, verified bool) {
	GlobalMetrics.RecordExtractedFile(bytes, verified)
}

func RecordIntegrityError(path string) {
	GlobalMetrics.RecordIntegrityError(path)
}

func RecordRangeGet(key string, bytes int64, duration time.Duration) {
	GlobalMetrics.RecordRangeGet(key, bytes, duration)
}

func RecordRead(bytes int64, hit bool) {
	GlobalMetrics.RecordRead(bytes, hit)
}

func RecordOperation(name string, duration time.Duration) {
	GlobalMetrics.RecordOperation(name, duration)
}

func LogMetricsSummary() {
	GlobalMetrics.LogSummary()
}

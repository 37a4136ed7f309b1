package ports

import (
	"time"

	"meshlink/internal/core/domain"
)

// MetricsRecorder receives session measurements. Implementations must be
// safe for concurrent use; recording must never block the caller.
type MetricsRecorder interface {
	RecordLinkCreated()
	RecordLinkState(from, to domain.LinkState)
	RecordLinkSetup(duration time.Duration)
	RecordSignalRouted()
	RecordBroadcast()
	RecordChunk(bytes int)
	RecordCaptureBitrate(strategy domain.Strategy, bps float64)
	RecordStrategySelected(strategy domain.Strategy)
	RecordCredentialRenewal()
	RecordCredentialFailure()
	RecordRecovery(strategy string)
}

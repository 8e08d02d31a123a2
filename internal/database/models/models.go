// Package models holds the row types shared between the database layer and
// its consumers.
package models

import "time"

// Call dispositions recorded when a bridge session closes.
const (
	DispositionCompleted       = "completed"        // telephony peer ended the stream normally
	DispositionSetupFailed     = "setup-failed"     // upstream handshake failed before audio
	DispositionUpstreamClosed  = "upstream-closed"  // generative service dropped mid-call
	DispositionTelephonyClosed = "telephony-closed" // telephony peer disconnected abruptly
)

// CallRecord is the transport-level record of one bridged call. It carries
// timings and forwarding counters, never conversation content.
type CallRecord struct {
	ID            int64
	SessionID     string
	StreamSID     string
	StartedAt     time.Time
	EndedAt       time.Time
	DurationSec   int64
	ChunksToUp    int64 // audio chunks forwarded telephony → upstream
	BytesToUp     int64
	ChunksToTel   int64 // audio chunks forwarded upstream → telephony
	BytesToTel    int64
	ChunksDropped int64 // chunks dropped (codec failures, audio before start)
	Disposition   string
	ErrorText     string
	CreatedAt     time.Time
}

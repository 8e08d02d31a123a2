// Package bridge runs the duplex audio bridge between one telephony media
// stream and one generative-audio session. It owns the per-call state
// machine: Connecting → Active → Draining → Closed, with two concurrent
// forwarding loops and first-terminated-wins teardown.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxbridge/voxbridge/internal/audio"
	"github.com/voxbridge/voxbridge/internal/database/models"
	"github.com/voxbridge/voxbridge/internal/telephony"
	"github.com/voxbridge/voxbridge/internal/upstream"
)

// RecordStore persists a call record once a session closes. Store failures
// are logged, never fatal to the process.
type RecordStore interface {
	Create(ctx context.Context, rec *models.CallRecord) error
}

// Config holds the per-call bridge parameters.
type Config struct {
	Upstream      upstream.Config
	PrimingPrompt string
}

// Bridge creates and runs one session per accepted telephony connection.
type Bridge struct {
	cfg      Config
	registry *Registry
	records  RecordStore
	logger   *slog.Logger
}

// New creates a bridge. records may be nil to disable call records.
func New(cfg Config, registry *Registry, records RecordStore, logger *slog.Logger) *Bridge {
	return &Bridge{
		cfg:      cfg,
		registry: registry,
		records:  records,
		logger:   logger.With("subsystem", "bridge"),
	}
}

// Run bridges one accepted telephony websocket until either side terminates.
// It blocks for the lifetime of the call. Failures are fatal only to this
// session; cancelling ctx tears the session down with bounded latency.
func (b *Bridge) Run(ctx context.Context, wsConn *websocket.Conn) {
	sess := newSession()
	log := b.logger.With("session_id", sess.ID)

	b.registry.add(sess)
	defer b.registry.remove(sess.ID)

	tel := telephony.NewChannel(wsConn, log)

	// Connecting: open the upstream leg and prime it. A failed handshake is
	// not recoverable within a call; no retry.
	up, err := upstream.Open(ctx, b.cfg.Upstream, log)
	if err != nil {
		log.Error("upstream handshake failed, aborting session", "error", err)
		tel.Close()
		sess.transition(StateClosed)
		b.writeRecord(sess, models.DispositionSetupFailed, err.Error(), log)
		return
	}

	if err := up.SendPrimingTurn(b.cfg.PrimingPrompt); err != nil {
		log.Error("priming turn failed, aborting session", "error", err)
		tel.Close()
		up.Close()
		sess.transition(StateClosed)
		b.writeRecord(sess, models.DispositionSetupFailed, err.Error(), log)
		return
	}

	sess.transition(StateActive)
	log.Info("bridge session active")

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The first loop to finish cancels loopCtx; closing both channels then
	// aborts the other loop's blocking receive. Shutdown latency is bounded
	// regardless of peer behavior.
	go func() {
		<-loopCtx.Done()
		tel.Close()
		up.Close()
	}()

	var (
		dispOnce    sync.Once
		disposition = models.DispositionCompleted
		errText     string
	)
	setOutcome := func(d, msg string) {
		dispOnce.Do(func() {
			disposition = d
			errText = msg
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		d, msg := b.telephonyLoop(sess, tel, up, log)
		sess.transition(StateDraining)
		setOutcome(d, msg)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		d, msg := b.upstreamLoop(sess, tel, up, log)
		sess.transition(StateDraining)
		setOutcome(d, msg)
	}()
	wg.Wait()

	// Both channels are released unconditionally; Close is idempotent and
	// failures here are swallowed.
	tel.Close()
	up.Close()
	sess.transition(StateClosed)

	stats := sess.Stats()
	log.Info("bridge session closed",
		"disposition", disposition,
		"stream_sid", sess.StreamSID(),
		"chunks_to_upstream", stats.ChunksToUpstream,
		"chunks_to_telephony", stats.ChunksToTelephony,
		"chunks_dropped", stats.ChunksDropped,
	)
	b.writeRecord(sess, disposition, errText, log)
}

// telephonyLoop reads telephony events and forwards audio upstream. It
// returns the session disposition from this side's point of view.
func (b *Bridge) telephonyLoop(sess *Session, tel *telephony.Channel, up *upstream.Channel, log *slog.Logger) (string, string) {
	for {
		ev, err := tel.ReceiveEvent()
		if err != nil {
			var perr *telephony.ProtocolError
			if errors.As(err, &perr) {
				// One malformed frame is dropped, not fatal.
				log.Warn("dropping malformed telephony frame", "error", perr)
				continue
			}
			log.Info("telephony channel closed", "error", err)
			return models.DispositionTelephonyClosed, ""
		}

		switch ev.Type {
		case telephony.EventConnected:
			log.Debug("telephony media stream connected")

		case telephony.EventStarted:
			if sess.SetStreamSID(ev.StreamSID) {
				log.Info("media stream started", "stream_sid", ev.StreamSID)
			} else {
				log.Warn("ignoring duplicate start event", "stream_sid", ev.StreamSID)
			}

		case telephony.EventMedia:
			pcm, err := audio.DecodeTelephonyChunk(ev.Payload)
			if err != nil {
				sess.recordDrop()
				log.Warn("dropping undecodable telephony chunk", "error", err)
				continue
			}
			if len(pcm) == 0 {
				continue
			}
			if err := up.SendAudioChunk(pcm); err != nil {
				log.Warn("upstream send failed", "error", err)
				return models.DispositionUpstreamClosed, err.Error()
			}
			sess.recordToUpstream(len(pcm))

		case telephony.EventStopped:
			log.Info("media stream stopped")
			return models.DispositionCompleted, ""

		case telephony.EventMark:
			// Acknowledgement events are ignored.
		}
	}
}

// upstreamLoop reads upstream events and forwards audio to the telephony
// peer. Audio arriving before the stream SID is known is dropped, not
// buffered.
func (b *Bridge) upstreamLoop(sess *Session, tel *telephony.Channel, up *upstream.Channel, log *slog.Logger) (string, string) {
	for {
		events, err := up.ReceiveEvents()
		if err != nil {
			log.Info("upstream channel closed", "error", err)
			return models.DispositionUpstreamClosed, ""
		}

		for _, ev := range events {
			switch ev.Type {
			case upstream.EventServerError:
				// Non-fatal by policy; the service may recover mid-call.
				log.Warn("upstream reported error", "message", ev.Message)

			case upstream.EventAudioPart:
				sid := sess.StreamSID()
				if sid == "" {
					sess.recordDrop()
					log.Debug("dropping upstream audio before stream start")
					continue
				}
				mulaw, err := audio.EncodeTelephonyChunk(ev.PCM)
				if err != nil {
					sess.recordDrop()
					log.Warn("dropping unencodable upstream chunk", "error", err)
					continue
				}
				if err := tel.SendMedia(sid, mulaw); err != nil {
					log.Warn("telephony send failed", "error", err)
					return models.DispositionTelephonyClosed, err.Error()
				}
				sess.recordToTelephony(len(mulaw))

			case upstream.EventInterrupted:
				sid := sess.StreamSID()
				if sid == "" {
					log.Debug("interruption before stream start, nothing to clear")
					continue
				}
				log.Info("barge-in, clearing telephony playback", "stream_sid", sid)
				if err := tel.SendClear(sid); err != nil {
					log.Warn("telephony clear failed", "error", err)
					return models.DispositionTelephonyClosed, err.Error()
				}

			case upstream.EventOther:
				// Nothing to act on.
			}
		}
	}
}

// writeRecord persists the call record for a closed session.
func (b *Bridge) writeRecord(sess *Session, disposition, errText string, log *slog.Logger) {
	if b.records == nil {
		return
	}

	stats := sess.Stats()
	now := time.Now()
	rec := &models.CallRecord{
		SessionID:     sess.ID,
		StreamSID:     sess.StreamSID(),
		StartedAt:     sess.CreatedAt,
		EndedAt:       now,
		DurationSec:   int64(now.Sub(sess.CreatedAt).Seconds()),
		ChunksToUp:    stats.ChunksToUpstream,
		BytesToUp:     stats.BytesToUpstream,
		ChunksToTel:   stats.ChunksToTelephony,
		BytesToTel:    stats.BytesToTelephony,
		ChunksDropped: stats.ChunksDropped,
		Disposition:   disposition,
		ErrorText:     errText,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := b.records.Create(ctx, rec); err != nil {
		log.Error("failed to write call record", "error", err)
	}
}

package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTickPeriod is the scheduling timer period.
const DefaultTickPeriod = 100 * time.Millisecond

// Transport events posted into the engine loop by the WebSocket server.
type (
	// OpenEvent reports a newly accepted connection.
	OpenEvent struct {
		ID uint64
	}
	// MessageEvent carries one inbound binary message.
	MessageEvent struct {
		ID      uint64
		Payload []byte
	}
	// CloseEvent reports a closed connection.
	CloseEvent struct {
		ID uint64
	}
)

// FrameSink is the engine's view of the transport: enqueue one final
// binary frame on a connection's FIFO send queue, or close the
// connection.
type FrameSink interface {
	QueueFrame(id uint64, frame []byte) error
	Close(id uint64)
}

// Engine owns all mutable core state (channel registry, session table)
// and runs the scheduling loop. Every handler executes on the single
// Run goroutine; nothing here blocks on I/O.
type Engine struct {
	log        zerolog.Logger
	registry   *Registry
	sessions   *SessionTable
	selector   QualitySelector
	sink       FrameSink
	metrics    *Metrics
	tickPeriod time.Duration
}

// NewEngine creates the engine. selector may be nil, in which case the
// sticky default is used.
func NewEngine(reg *Registry, sink FrameSink, selector QualitySelector, metrics *Metrics, logger zerolog.Logger) *Engine {
	if selector == nil {
		selector = StickySelector{}
	}
	return &Engine{
		log:        logger.With().Str("component", "engine").Logger(),
		registry:   reg,
		sessions:   NewSessionTable(),
		selector:   selector,
		sink:       sink,
		metrics:    metrics,
		tickPeriod: DefaultTickPeriod,
	}
}

// Run drives the engine until ctx is cancelled or a fatal error occurs.
// It multiplexes the transport, the filesystem watcher, and the
// scheduling timer; all state is touched only from this goroutine.
func (e *Engine) Run(ctx context.Context, transport <-chan any, segments <-chan SegmentEvent) error {
	ticker := time.NewTicker(e.tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-transport:
			if !ok {
				return nil
			}
			if err := e.handleTransportEvent(ev); err != nil {
				return err
			}
		case ev := <-segments:
			e.handleSegment(ev)
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) handleTransportEvent(ev any) error {
	switch ev := ev.(type) {
	case OpenEvent:
		return e.handleOpen(ev.ID)
	case MessageEvent:
		e.handleMessage(ev.ID, ev.Payload)
	case CloseEvent:
		e.handleClose(ev.ID)
	default:
		return fmt.Errorf("unknown transport event %T", ev)
	}
	return nil
}

// handleOpen greets the new connection with the channel catalog and
// creates its session. A duplicate connection ID means the transport
// broke its uniqueness guarantee; that is fatal.
func (e *Engine) handleOpen(id uint64) error {
	e.log.Info().Uint64("conn", id).Msg("connected")
	hello, err := MakeServerHello(e.registry.Names())
	if err != nil {
		return fmt.Errorf("encode server-hello: %w", err)
	}
	if err := e.sink.QueueFrame(id, hello); err != nil {
		e.log.Warn().Err(err).Uint64("conn", id).Msg("could not queue server-hello")
	}
	if _, err := e.sessions.InsertUnique(id); err != nil {
		return err
	}
	e.metrics.ConnectedClients.Inc()
	return nil
}

func (e *Engine) handleClose(id uint64) {
	e.log.Info().Uint64("conn", id).Msg("connection closed")
	if e.sessions.Erase(id) {
		e.metrics.ConnectedClients.Dec()
	}
}

// handleMessage decodes and dispatches one inbound control message. A
// malformed message or protocol violation drops the session.
func (e *Engine) handleMessage(id uint64, payload []byte) {
	s, err := e.sessions.Get(id)
	if err != nil {
		// Raced with a close; nothing to do.
		e.log.Debug().Uint64("conn", id).Msg("message for unknown session")
		return
	}
	msg, err := DecodeClientMessage(payload)
	if err != nil {
		e.drop(s, err)
		return
	}
	switch msg := msg.(type) {
	case *ClientInit:
		e.handleClientInit(s, msg)
	case *ClientInfo:
		e.handleClientInfo(s, msg)
	}
}

// handleClientInit binds (or rebinds) the session to the requested
// channel and replies with a server-init carrying the starting video
// timestamp.
func (e *Engine) handleClientInit(s *Session, msg *ClientInit) {
	ch, err := e.registry.Get(msg.Channel)
	if err != nil {
		e.drop(s, fmt.Errorf("%w: requested channel %q not found", ErrBadClient, msg.Channel))
		return
	}
	initVTS, err := ch.Video().InitTimestamp()
	if err != nil {
		e.drop(s, fmt.Errorf("channel %q cannot start playback: %w", msg.Channel, err))
		return
	}
	initATS := ch.Audio().FindTimestamp(initVTS)
	s.Bind(ch.Name(), initVTS, initATS)

	reply, err := MakeServerInit(ch.Name(), ch.VideoCodec(), ch.AudioCodec(), ch.Timescale(), initVTS)
	if err != nil {
		e.log.Error().Err(err).Msg("encode server-init")
		return
	}
	if err := e.sink.QueueFrame(s.ID(), reply); err != nil {
		e.log.Warn().Err(err).Uint64("conn", s.ID()).Msg("could not queue server-init")
		return
	}
	e.log.Info().
		Uint64("conn", s.ID()).
		Str("channel", ch.Name()).
		Uint64("initTimestamp", initVTS).
		Msg("bound client")
}

func (e *Engine) handleClientInfo(s *Session, msg *ClientInfo) {
	s.SetVideoPlaybackBuf(msg.VideoBufferLen)
	s.SetAudioPlaybackBuf(msg.AudioBufferLen)
}

// drop removes a misbehaving session and closes its connection. Other
// sessions are unaffected.
func (e *Engine) drop(s *Session, reason error) {
	e.log.Warn().Err(reason).Uint64("conn", s.ID()).Msg("dropping client")
	e.sessions.Erase(s.ID())
	e.metrics.SessionsDropped.Inc()
	e.metrics.ConnectedClients.Dec()
	e.sink.Close(s.ID())
}

// handleSegment routes a finalized segment file to its channel.
func (e *Engine) handleSegment(ev SegmentEvent) {
	ch, ok := e.registry.ByDir(ev.Path)
	if !ok {
		e.log.Debug().Str("path", ev.Path).Msg("segment outside any channel directory")
		return
	}
	if err := ch.IngestFile(ev.Path); err != nil {
		e.log.Warn().Err(err).Msg("ingest failed")
	}
}

// tick walks all bound sessions once and serves at most one video and
// one audio frame to each.
func (e *Engine) tick() {
	e.sessions.Each(func(s *Session) {
		if !s.Bound() {
			return
		}
		ch, err := e.registry.Get(s.Channel())
		if err != nil {
			return
		}
		e.serveVideo(s, ch)
		e.serveAudio(s, ch)
	})
}

// serveVideo enqueues the client's next video segment if it is ready.
func (e *Engine) serveVideo(s *Session, ch *Channel) {
	st := ch.Video()
	nextVTS := s.NextVTS()
	if !st.Ready(nextVTS) {
		if ts, ok := recoverPruned(st, nextVTS); ok {
			e.log.Debug().Uint64("conn", s.ID()).Uint64("from", nextVTS).Uint64("to", ts).
				Msg("video cursor behind retention, skipping forward")
			s.SetNextVTS(ts)
		}
		return
	}

	nextVQ := e.selector.SelectVideo(s, ch)
	nextVQ = servableQuality(st, nextVQ, nextVTS, ch.VideoQualities())

	videoData, err := st.Data(nextVQ, nextVTS)
	if err != nil {
		return
	}
	var initData []byte
	initSegmentRequired := s.CurrVQ() == nil || *s.CurrVQ() != nextVQ
	if initSegmentRequired {
		if initData, err = st.Init(nextVQ); err != nil {
			return
		}
	}

	frame, err := MakeMediaFrame(MsgVideo, nextVQ, nextVTS, st.Duration(), initData, videoData)
	if err != nil {
		e.log.Error().Err(err).Msg("encode video frame")
		return
	}
	if err := e.sink.QueueFrame(s.ID(), frame); err != nil {
		e.log.Debug().Err(err).Uint64("conn", s.ID()).Msg("video frame not queued")
		return
	}

	s.SetNextVTS(nextVTS + st.Duration())
	s.SetCurrVQ(nextVQ)
	e.metrics.FramesSent.WithLabelValues("video").Inc()
	e.metrics.BytesSent.WithLabelValues("video").Add(float64(len(videoData) + len(initData)))
}

// serveAudio enqueues the client's next audio segment if it is ready.
func (e *Engine) serveAudio(s *Session, ch *Channel) {
	st := ch.Audio()
	nextATS := s.NextATS()
	if !st.Ready(nextATS) {
		if ts, ok := recoverPruned(st, nextATS); ok {
			e.log.Debug().Uint64("conn", s.ID()).Uint64("from", nextATS).Uint64("to", ts).
				Msg("audio cursor behind retention, skipping forward")
			s.SetNextATS(ts)
		}
		return
	}

	nextAQ := e.selector.SelectAudio(s, ch)
	nextAQ = servableQuality(st, nextAQ, nextATS, ch.AudioQualities())

	audioData, err := st.Data(nextAQ, nextATS)
	if err != nil {
		return
	}
	var initData []byte
	initSegmentRequired := s.CurrAQ() == nil || *s.CurrAQ() != nextAQ
	if initSegmentRequired {
		if initData, err = st.Init(nextAQ); err != nil {
			return
		}
	}

	frame, err := MakeMediaFrame(MsgAudio, nextAQ, nextATS, st.Duration(), initData, audioData)
	if err != nil {
		e.log.Error().Err(err).Msg("encode audio frame")
		return
	}
	if err := e.sink.QueueFrame(s.ID(), frame); err != nil {
		e.log.Debug().Err(err).Uint64("conn", s.ID()).Msg("audio frame not queued")
		return
	}

	s.SetNextATS(nextATS + st.Duration())
	s.SetCurrAQ(nextAQ)
	e.metrics.FramesSent.WithLabelValues("audio").Inc()
	e.metrics.BytesSent.WithLabelValues("audio").Add(float64(len(audioData) + len(initData)))
}

// recoverPruned returns the cursor's replacement when retention has
// already evicted the requested timestamp: the oldest ready timestamp
// past the cursor. The segment itself is served on the next tick.
func recoverPruned(st *SegmentStore, cursor uint64) (uint64, bool) {
	oldest, ok := st.OldestReady()
	if !ok || oldest <= cursor {
		return 0, false
	}
	return oldest, true
}

// servableQuality keeps the selector's choice when the store can serve
// it at ts, and otherwise falls back to the first listed quality with
// both the segment and its init blob present. Ready(ts) guarantees such
// a quality exists.
func servableQuality(st *SegmentStore, selected Quality, ts uint64, list []Quality) Quality {
	if st.HasSegment(selected, ts) && st.HasInit(selected) {
		return selected
	}
	for _, q := range list {
		if st.HasSegment(q, ts) && st.HasInit(q) {
			return q
		}
	}
	return selected
}

// Sessions returns the number of sessions in the session table.
func (e *Engine) Sessions() int {
	return e.sessions.Len()
}

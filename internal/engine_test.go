package internal

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeSink records queued frames per connection, standing in for the
// WebSocket transport.
type fakeSink struct {
	mu     sync.Mutex
	frames map[uint64][][]byte
	closed []uint64
	full   bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{frames: make(map[uint64][][]byte)}
}

func (f *fakeSink) QueueFrame(id uint64, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return ErrQueueFull
	}
	f.frames[id] = append(f.frames[id], frame)
	return nil
}

func (f *fakeSink) Close(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
}

func (f *fakeSink) count(id uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames[id])
}

func (f *fakeSink) frame(t *testing.T, id uint64, n int) *ServerMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.frames[id]), n, "frame %d not queued", n)
	msg, err := DecodeServerMessage(f.frames[id][n])
	require.NoError(t, err)
	return msg
}

func (f *fakeSink) setFull(full bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.full = full
}

func newTestEngine(t *testing.T) (*Engine, *fakeSink, *Registry) {
	t.Helper()
	reg := newTestRegistry(t)
	sink := newFakeSink()
	e := NewEngine(reg, sink, nil, NewMetrics(prometheus.NewRegistry()), zerolog.Nop())
	return e, sink, reg
}

// fillChannel installs inits and segments so that c1 has video
// {180000, 360000, 540000} at 1080p and audio {0, 432000} at 128k.
func fillChannel(t *testing.T, reg *Registry) *Channel {
	t.Helper()
	ch, err := reg.Get("c1")
	require.NoError(t, err)
	ch.Video().PutInit("1080p", []byte("vinit-1080"))
	for _, ts := range []uint64{180000, 360000, 540000} {
		ch.Video().PutSegment("1080p", ts, []byte{byte(ts / 180000)})
	}
	ch.Audio().PutInit("128k", []byte("ainit-128"))
	ch.Audio().PutSegment("128k", 0, []byte{0xa0})
	ch.Audio().PutSegment("128k", 432000, []byte{0xa1})
	return ch
}

func bindClient(t *testing.T, e *Engine, id uint64, channel string) {
	t.Helper()
	require.NoError(t, e.handleOpen(id))
	init, err := MakeClientInit(channel)
	require.NoError(t, err)
	e.handleMessage(id, init)
}

func TestColdJoinSingleQuality(t *testing.T) {
	e, sink, reg := newTestEngine(t)
	fillChannel(t, reg)

	require.NoError(t, e.handleOpen(1))
	hello := sink.frame(t, 1, 0)
	require.NotNil(t, hello.Hello)
	require.Equal(t, []string{"c1", "c2"}, hello.Hello.Channels)

	init, err := MakeClientInit("c1")
	require.NoError(t, err)
	e.handleMessage(1, init)

	srvInit := sink.frame(t, 1, 1)
	require.NotNil(t, srvInit.Init)
	require.Equal(t, "c1", srvInit.Init.Channel)
	require.Equal(t, "avc1.42e020", srvInit.Init.VideoCodec)
	require.Equal(t, "mp4a.40.2", srvInit.Init.AudioCodec)
	require.Equal(t, uint64(90000), srvInit.Init.Timescale)
	require.Equal(t, uint64(360000), srvInit.Init.InitTimestamp, "one stride behind the live edge")

	// First tick: video at 360000 with init blob, audio at 0 with init
	// blob.
	e.tick()
	video := sink.frame(t, 1, 2)
	require.NotNil(t, video.Media)
	require.Equal(t, MsgVideo, video.Media.Type)
	require.Equal(t, "1080p", video.Media.Quality)
	require.Equal(t, uint64(360000), video.Media.Timestamp)
	require.Equal(t, uint64(180000), video.Media.Duration)
	require.Equal(t, append([]byte("vinit-1080"), 2), video.Payload)

	audio := sink.frame(t, 1, 3)
	require.NotNil(t, audio.Media)
	require.Equal(t, MsgAudio, audio.Media.Type)
	require.Equal(t, "128k", audio.Media.Quality)
	require.Equal(t, uint64(0), audio.Media.Timestamp)
	require.Equal(t, append([]byte("ainit-128"), 0xa0), audio.Payload)

	// Second tick: the cursors advanced one stride and no init blob is
	// repeated at an unchanged quality.
	e.tick()
	video = sink.frame(t, 1, 4)
	require.Equal(t, uint64(540000), video.Media.Timestamp)
	require.Equal(t, []byte{3}, video.Payload)

	audio = sink.frame(t, 1, 5)
	require.Equal(t, uint64(432000), audio.Media.Timestamp)
	require.Equal(t, []byte{0xa1}, audio.Payload)

	// Third tick: nothing past the live edge is ready, nothing is
	// queued.
	e.tick()
	require.Equal(t, 6, sink.count(1))
}

type fixedSelector struct {
	v Quality
	a Quality
}

func (f *fixedSelector) SelectVideo(*Session, *Channel) Quality { return f.v }
func (f *fixedSelector) SelectAudio(*Session, *Channel) Quality { return f.a }

func TestQualityChangeCarriesInitBlob(t *testing.T) {
	reg := newTestRegistry(t)
	sink := newFakeSink()
	sel := &fixedSelector{v: "1080p", a: "128k"}
	e := NewEngine(reg, sink, sel, NewMetrics(prometheus.NewRegistry()), zerolog.Nop())

	ch := fillChannel(t, reg)
	ch.Video().PutInit("720p", []byte("vinit-720"))
	ch.Video().PutSegment("720p", 540000, []byte{0x77})

	bindClient(t, e, 1, "c1")
	e.tick()
	video := sink.frame(t, 1, 2)
	require.Equal(t, "1080p", video.Media.Quality)

	// The policy switches before the next boundary; the next frame
	// must carry the new rendition's init blob.
	sel.v = "720p"
	e.tick()
	video = sink.frame(t, 1, 4)
	require.Equal(t, "720p", video.Media.Quality)
	require.Equal(t, uint64(540000), video.Media.Timestamp)
	require.Equal(t, append([]byte("vinit-720"), 0x77), video.Payload)

	// Back-to-back frames at the unchanged quality carry no init blob.
	ch.Video().PutSegment("720p", 720000, []byte{0x78})
	e.tick()
	video = sink.frame(t, 1, 6)
	require.Equal(t, uint64(720000), video.Media.Timestamp)
	require.Equal(t, []byte{0x78}, video.Payload)
}

func TestStarvationLeavesCursorUnchanged(t *testing.T) {
	e, sink, reg := newTestEngine(t)
	ch := fillChannel(t, reg)
	bindClient(t, e, 1, "c1")

	e.tick() // serves 360000
	e.tick() // serves 540000
	before := sink.count(1)

	// 720000 has not arrived: ticks enqueue nothing and the cursor
	// stays put.
	e.tick()
	e.tick()
	require.Equal(t, before, sink.count(1))

	// Once the segment lands, the very next tick serves it.
	ch.Video().PutSegment("1080p", 720000, []byte{4})
	e.tick()
	video := sink.frame(t, 1, before)
	require.Equal(t, uint64(720000), video.Media.Timestamp)
	require.Equal(t, []byte{4}, video.Payload)
}

func TestBadClientInitDropsSession(t *testing.T) {
	e, sink, reg := newTestEngine(t)
	fillChannel(t, reg)

	require.NoError(t, e.handleOpen(1))
	init, err := MakeClientInit("no-such-channel")
	require.NoError(t, err)
	e.handleMessage(1, init)

	sink.mu.Lock()
	closed := append([]uint64{}, sink.closed...)
	sink.mu.Unlock()
	require.Equal(t, []uint64{1}, closed)
	require.Equal(t, 1, sink.count(1), "only the hello frame was sent")
	require.Zero(t, e.Sessions())

	// The drop never reaches other sessions.
	bindClient(t, e, 2, "c1")
	e.tick()
	require.Greater(t, sink.count(2), 2)
}

func TestMalformedMessageDropsSession(t *testing.T) {
	e, sink, _ := newTestEngine(t)
	require.NoError(t, e.handleOpen(1))

	e.handleMessage(1, []byte{0xff})

	sink.mu.Lock()
	closed := append([]uint64{}, sink.closed...)
	sink.mu.Unlock()
	require.Equal(t, []uint64{1}, closed)
	require.Zero(t, e.Sessions())
}

func TestRebindResetsCursorsAndQuality(t *testing.T) {
	e, sink, reg := newTestEngine(t)
	fillChannel(t, reg)
	bindClient(t, e, 1, "c1")

	e.tick() // 360000 with init blob
	e.tick() // 540000 without

	// Rebind to the same channel: cursors reset and the next video
	// frame carries the init blob again.
	init, err := MakeClientInit("c1")
	require.NoError(t, err)
	e.handleMessage(1, init)

	srvInit := sink.frame(t, 1, 6)
	require.NotNil(t, srvInit.Init)
	require.Equal(t, uint64(360000), srvInit.Init.InitTimestamp)

	e.tick()
	video := sink.frame(t, 1, 7)
	require.Equal(t, uint64(360000), video.Media.Timestamp)
	require.Equal(t, append([]byte("vinit-1080"), 2), video.Payload)
}

func TestDuplicateOpenIsFatal(t *testing.T) {
	e, _, reg := newTestEngine(t)
	fillChannel(t, reg)

	require.NoError(t, e.handleOpen(42))
	err := e.handleOpen(42)
	require.ErrorIs(t, err, ErrDuplicateID)
}

func TestClientInfoUpdatesBuffers(t *testing.T) {
	e, _, reg := newTestEngine(t)
	fillChannel(t, reg)
	bindClient(t, e, 1, "c1")

	info, err := MakeClientInfo(2.5, 7.5)
	require.NoError(t, err)
	e.handleMessage(1, info)

	s, err := e.sessions.Get(1)
	require.NoError(t, err)
	require.Equal(t, 2.5, s.VideoBufferLen())
	require.Equal(t, 7.5, s.AudioBufferLen())
}

func TestInitOnEmptyChannelDropsSession(t *testing.T) {
	e, sink, _ := newTestEngine(t)

	require.NoError(t, e.handleOpen(1))
	init, err := MakeClientInit("c1")
	require.NoError(t, err)
	e.handleMessage(1, init)

	sink.mu.Lock()
	closed := append([]uint64{}, sink.closed...)
	sink.mu.Unlock()
	require.Equal(t, []uint64{1}, closed)
}

func TestBackpressureRetriesSameTimestamp(t *testing.T) {
	e, sink, reg := newTestEngine(t)
	fillChannel(t, reg)
	bindClient(t, e, 1, "c1")

	sink.setFull(true)
	e.tick()
	require.Equal(t, 2, sink.count(1), "nothing queued while the send queue is full")

	// The cursor did not advance: the same timestamp goes out once the
	// queue drains.
	sink.setFull(false)
	e.tick()
	video := sink.frame(t, 1, 2)
	require.Equal(t, uint64(360000), video.Media.Timestamp)
}

func TestPrunedCursorSkipsForward(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfigDoc))
	require.NoError(t, err)
	for name, cc := range cfg.ChannelConfigs {
		cc.Dir = t.TempDir()
		cc.Retention = 2
		cfg.ChannelConfigs[name] = cc
	}
	reg, err := NewRegistry(cfg, NewMetrics(prometheus.NewRegistry()), zerolog.Nop())
	require.NoError(t, err)
	sink := newFakeSink()
	e := NewEngine(reg, sink, nil, NewMetrics(prometheus.NewRegistry()), zerolog.Nop())

	fillChannel(t, reg)
	ch, err := reg.Get("c1")
	require.NoError(t, err)
	bindClient(t, e, 1, "c1")

	// The live edge moves on while the client is stalled; retention
	// evicts the client's next timestamp.
	sink.setFull(true)
	ch.Video().PutSegment("1080p", 720000, []byte{4})
	ch.Video().PutSegment("1080p", 900000, []byte{5})
	sink.setFull(false)

	// First tick realigns the cursor to the oldest surviving segment,
	// the next one serves it.
	e.tick()
	e.tick()
	var video *ServerMessage
	for i := 2; i < sink.count(1); i++ {
		if m := sink.frame(t, 1, i); m.Media != nil && m.Media.Type == MsgVideo {
			video = m
			break
		}
	}
	require.NotNil(t, video, "no video frame after cursor recovery")
	require.Equal(t, uint64(720000), video.Media.Timestamp)
}

func TestEngineRun(t *testing.T) {
	e, sink, reg := newTestEngine(t)
	fillChannel(t, reg)
	e.tickPeriod = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	transport := make(chan any, 8)
	segments := make(chan SegmentEvent, 8)

	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx, transport, segments)
	}()

	transport <- OpenEvent{ID: 1}
	init, err := MakeClientInit("c1")
	require.NoError(t, err)
	transport <- MessageEvent{ID: 1, Payload: init}

	require.Eventually(t, func() bool {
		return sink.count(1) >= 4
	}, 2*time.Second, time.Millisecond, "hello, init and the first media frames")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestEngineRunDuplicateOpenAborts(t *testing.T) {
	e, _, reg := newTestEngine(t)
	fillChannel(t, reg)

	ctx := context.Background()
	transport := make(chan any, 8)
	transport <- OpenEvent{ID: 7}
	transport <- OpenEvent{ID: 7}

	err := e.Run(ctx, transport, make(chan SegmentEvent))
	require.ErrorIs(t, err, ErrDuplicateID)
}

func TestSegmentEventDeliveredEndToEnd(t *testing.T) {
	e, sink, reg := newTestEngine(t)
	ch, err := reg.Get("c1")
	require.NoError(t, err)

	// A simulated encoder publishes init and segments; the engine
	// ingests them via watcher events and the client receives the
	// exact bytes written to disk.
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	initBlob := []byte{0x11, 0x22}
	e.handleSegment(SegmentEvent{Path: writeTestFile(t, ch.Dir(), "1080p.init.mp4", initBlob)})
	e.handleSegment(SegmentEvent{Path: writeTestFile(t, ch.Dir(), "128k.init.mp4", []byte{0x33})})
	for _, ts := range []uint64{0, 180000, 360000} {
		name := "1080p-" + strconv.FormatUint(ts, 10) + ".m4s"
		e.handleSegment(SegmentEvent{Path: writeTestFile(t, ch.Dir(), name, payload)})
	}
	e.handleSegment(SegmentEvent{Path: writeTestFile(t, ch.Dir(), "128k-0.m4s", []byte{0x44})})

	bindClient(t, e, 1, "c1")
	e.tick()

	video := sink.frame(t, 1, 2)
	require.Equal(t, uint64(180000), video.Media.Timestamp)
	require.Equal(t, append(append([]byte{}, initBlob...), payload...), video.Payload)
}

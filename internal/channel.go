package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Channel is one live stream: fixed identity (name, codecs, timescale,
// strides, quality lists) plus the two growing segment stores.
type Channel struct {
	name       string
	dir        string
	videoCodec string
	audioCodec string
	timescale  uint64
	vQualities []Quality
	aQualities []Quality
	video      *SegmentStore
	audio      *SegmentStore
	probe      bool
	metrics    *Metrics
	log        zerolog.Logger
}

// NewChannel builds a channel from its configuration block.
func NewChannel(name string, cc ChannelConfig, metrics *Metrics, logger zerolog.Logger) *Channel {
	ch := &Channel{
		name:       name,
		dir:        filepath.Clean(cc.Dir),
		videoCodec: cc.VideoCodec,
		audioCodec: cc.AudioCodec,
		timescale:  cc.Timescale,
		video:      NewSegmentStore(cc.VideoDuration, cc.Retention),
		audio:      NewSegmentStore(cc.AudioDuration, cc.Retention),
		probe:      cc.Probe,
		metrics:    metrics,
		log:        logger.With().Str("channel", name).Logger(),
	}
	for _, q := range cc.VideoQualities {
		ch.vQualities = append(ch.vQualities, Quality(q))
	}
	for _, q := range cc.AudioQualities {
		ch.aQualities = append(ch.aQualities, Quality(q))
	}
	return ch
}

func (c *Channel) Name() string               { return c.name }
func (c *Channel) Dir() string                { return c.dir }
func (c *Channel) VideoCodec() string         { return c.videoCodec }
func (c *Channel) AudioCodec() string         { return c.audioCodec }
func (c *Channel) Timescale() uint64          { return c.timescale }
func (c *Channel) VideoQualities() []Quality  { return c.vQualities }
func (c *Channel) AudioQualities() []Quality  { return c.aQualities }
func (c *Channel) Video() *SegmentStore       { return c.video }
func (c *Channel) Audio() *SegmentStore       { return c.audio }

// mediumOf resolves which medium a quality name belongs to.
func (c *Channel) mediumOf(q Quality) (medium string, ok bool) {
	for _, vq := range c.vQualities {
		if vq == q {
			return "video", true
		}
	}
	for _, aq := range c.aQualities {
		if aq == q {
			return "audio", true
		}
	}
	return "", false
}

// segmentName is a parsed on-disk segment filename.
type segmentName struct {
	quality   Quality
	timestamp uint64
	init      bool
}

// parseSegmentName parses "<quality>-<timestamp>.<ext>" and
// "<quality>.init.<ext>" basenames. Temp files and dotfiles do not
// parse.
func parseSegmentName(base string) (segmentName, bool) {
	if base == "" || base[0] == '.' || strings.HasSuffix(base, ".tmp") {
		return segmentName{}, false
	}
	ext := filepath.Ext(base)
	if ext == "" {
		return segmentName{}, false
	}
	stem := base[:len(base)-len(ext)]
	if rest, ok := strings.CutSuffix(stem, ".init"); ok {
		if rest == "" {
			return segmentName{}, false
		}
		return segmentName{quality: Quality(rest), init: true}, true
	}
	idx := strings.LastIndexByte(stem, '-')
	if idx <= 0 || idx == len(stem)-1 {
		return segmentName{}, false
	}
	ts, err := strconv.ParseUint(stem[idx+1:], 10, 64)
	if err != nil {
		return segmentName{}, false
	}
	return segmentName{quality: Quality(stem[:idx]), timestamp: ts}, true
}

// IngestFile reads one finalized segment file and installs it into the
// owning store. The file is read in full before installation, so a
// partially read blob is never observable. Unparseable names and
// qualities the channel does not carry are skipped.
func (c *Channel) IngestFile(path string) error {
	name, ok := parseSegmentName(filepath.Base(path))
	if !ok {
		return nil
	}
	medium, ok := c.mediumOf(name.quality)
	if !ok {
		c.log.Debug().Str("file", filepath.Base(path)).Msg("ignoring unknown quality")
		return nil
	}
	blob, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		c.metrics.IngestErrors.Inc()
		return fmt.Errorf("read segment %s: %w", path, err)
	}
	store := c.video
	if medium == "audio" {
		store = c.audio
	}
	if name.init {
		if c.probe {
			if _, err := ProbeInit(blob); err != nil {
				c.metrics.IngestErrors.Inc()
				return fmt.Errorf("probe init %s: %w", path, err)
			}
		}
		store.PutInit(name.quality, blob)
		c.log.Debug().Str("quality", name.quality.String()).Str("medium", medium).Msg("installed init blob")
		return nil
	}
	if c.probe {
		if err := ProbeSegment(blob); err != nil {
			c.log.Warn().Err(err).Str("file", filepath.Base(path)).Msg("segment failed probe")
		}
	}
	store.PutSegment(name.quality, name.timestamp, blob)
	c.metrics.SegmentsIngested.WithLabelValues(c.name, medium).Inc()
	if edge, ok := store.LiveEdge(); ok {
		c.metrics.LiveEdge.WithLabelValues(c.name, medium).Set(float64(edge))
	}
	c.log.Debug().
		Str("quality", name.quality.String()).
		Str("medium", medium).
		Uint64("timestamp", name.timestamp).
		Int("size", len(blob)).
		Msg("installed segment")
	return nil
}

// Registry is the named set of channels, built once at startup. The
// ordered name list is the advertised catalog.
type Registry struct {
	names    []string
	channels map[string]*Channel
	byDir    map[string]*Channel
}

// NewRegistry builds all channels from the configuration.
func NewRegistry(cfg *Config, metrics *Metrics, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{
		channels: make(map[string]*Channel, len(cfg.Channels)),
		byDir:    make(map[string]*Channel, len(cfg.Channels)),
	}
	for _, name := range cfg.Channels {
		ch := NewChannel(name, cfg.ChannelConfigs[name], metrics, logger)
		if other, ok := r.byDir[ch.Dir()]; ok {
			return nil, fmt.Errorf("channels %q and %q share directory %s", other.Name(), name, ch.Dir())
		}
		r.names = append(r.names, name)
		r.channels[name] = ch
		r.byDir[ch.Dir()] = ch
	}
	return r, nil
}

// Names returns the advertised channel catalog in configuration order.
func (r *Registry) Names() []string {
	return r.names
}

// Get returns the channel with the given name.
func (r *Registry) Get(name string) (*Channel, error) {
	ch, ok := r.channels[name]
	if !ok {
		return nil, ErrUnknownChannel
	}
	return ch, nil
}

// ByDir returns the channel whose source directory contains path.
func (r *Registry) ByDir(path string) (*Channel, bool) {
	ch, ok := r.byDir[filepath.Clean(filepath.Dir(path))]
	return ch, ok
}

// Each calls fn for every channel in catalog order.
func (r *Registry) Each(fn func(*Channel)) {
	for _, name := range r.names {
		fn(r.channels[name])
	}
}

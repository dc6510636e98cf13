package internal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseSegmentName(t *testing.T) {
	testCases := []struct {
		desc string
		base string
		want segmentName
		ok   bool
	}{
		{
			desc: "media segment",
			base: "1080p-180000.m4s",
			want: segmentName{quality: "1080p", timestamp: 180000},
			ok:   true,
		},
		{
			desc: "quality containing a dash",
			base: "hi-res-360000.m4s",
			want: segmentName{quality: "hi-res", timestamp: 360000},
			ok:   true,
		},
		{
			desc: "init blob",
			base: "1080p.init.mp4",
			want: segmentName{quality: "1080p", init: true},
			ok:   true,
		},
		{desc: "temp file", base: "1080p-180000.m4s.tmp"},
		{desc: "dotfile", base: ".1080p-180000.m4s"},
		{desc: "no extension", base: "1080p-180000"},
		{desc: "no timestamp", base: "1080p.m4s"},
		{desc: "non-numeric timestamp", base: "1080p-abc.m4s"},
		{desc: "empty quality", base: "-180000.m4s"},
		{desc: "bare init", base: ".init.mp4"},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got, ok := parseSegmentName(tc.base)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				require.Equal(t, tc.want, got)
			}
		})
	}
}

func writeTestFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestChannelIngestFile(t *testing.T) {
	ch := testChannel(t)
	dir := ch.Dir()

	// Init blobs route to the store matching the quality's medium.
	initPath := writeTestFile(t, dir, "1080p.init.mp4", []byte{0xa})
	require.NoError(t, ch.IngestFile(initPath))
	require.True(t, ch.Video().HasInit("1080p"))
	require.False(t, ch.Audio().HasInit("1080p"))

	segPath := writeTestFile(t, dir, "1080p-180000.m4s", []byte{1, 2, 3})
	require.NoError(t, ch.IngestFile(segPath))
	blob, err := ch.Video().Data("1080p", 180000)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, blob)

	audioInit := writeTestFile(t, dir, "128k.init.mp4", []byte{0xb})
	audioSeg := writeTestFile(t, dir, "128k-144000.m4s", []byte{4, 5})
	require.NoError(t, ch.IngestFile(audioInit))
	require.NoError(t, ch.IngestFile(audioSeg))
	require.True(t, ch.Audio().Ready(144000))
	require.False(t, ch.Video().Ready(144000))

	// Unknown qualities and unparseable names are skipped silently.
	unknown := writeTestFile(t, dir, "4k-180000.m4s", []byte{9})
	require.NoError(t, ch.IngestFile(unknown))
	garbage := writeTestFile(t, dir, "README", []byte{9})
	require.NoError(t, ch.IngestFile(garbage))

	// A missing file is an ingest error; the segment stays absent.
	err = ch.IngestFile(filepath.Join(dir, "720p-360000.m4s"))
	require.Error(t, err)
	require.False(t, ch.Video().Ready(360000))
}

func TestChannelIngestOverwrite(t *testing.T) {
	ch := testChannel(t)
	dir := ch.Dir()

	path := writeTestFile(t, dir, "1080p.init.mp4", []byte{1})
	require.NoError(t, ch.IngestFile(path))
	path = writeTestFile(t, dir, "1080p.init.mp4", []byte{2})
	require.NoError(t, ch.IngestFile(path))

	init, err := ch.Video().Init("1080p")
	require.NoError(t, err)
	require.Equal(t, []byte{2}, init)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg, err := ParseConfig([]byte(testConfigDoc))
	require.NoError(t, err)
	// Redirect channel dirs to writable temp dirs.
	for name, cc := range cfg.ChannelConfigs {
		cc.Dir = t.TempDir()
		cc.Probe = false
		cfg.ChannelConfigs[name] = cc
	}
	reg, err := NewRegistry(cfg, NewMetrics(prometheus.NewRegistry()), zerolog.Nop())
	require.NoError(t, err)
	return reg
}

func TestRegistry(t *testing.T) {
	reg := newTestRegistry(t)
	require.Equal(t, []string{"c1", "c2"}, reg.Names())

	c1, err := reg.Get("c1")
	require.NoError(t, err)
	require.Equal(t, "c1", c1.Name())
	require.Equal(t, "avc1.42e020", c1.VideoCodec())
	require.Equal(t, uint64(90000), c1.Timescale())

	_, err = reg.Get("nope")
	require.ErrorIs(t, err, ErrUnknownChannel)

	ch, ok := reg.ByDir(filepath.Join(c1.Dir(), "1080p-180000.m4s"))
	require.True(t, ok)
	require.Same(t, c1, ch)

	_, ok = reg.ByDir("/somewhere/else/1080p-180000.m4s")
	require.False(t, ok)
}

func TestRegistryRejectsSharedDir(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfigDoc))
	require.NoError(t, err)
	shared := t.TempDir()
	for name, cc := range cfg.ChannelConfigs {
		cc.Dir = shared
		cfg.ChannelConfigs[name] = cc
	}
	_, err = NewRegistry(cfg, NewMetrics(prometheus.NewRegistry()), zerolog.Nop())
	require.Error(t, err)
}

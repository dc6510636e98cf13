// Command segmentgen stands in for a live encoder: it writes fMP4 init
// and media segments into a channel directory, using temp-file + rename
// so the server's watcher only ever sees complete files. With -realtime
// it paces writes at the video segment cadence; otherwise it writes as
// fast as it can.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Eyevinn/mp4ff/bits"
	"github.com/Eyevinn/mp4ff/mp4"
)

const trackID = 1

// Minimal baseline H.264 parameter sets, enough for a decodable init
// segment carrying dummy payload.
var (
	spsNALU = []byte{0x67, 0x42, 0x00, 0x0a, 0xf8, 0x41, 0xa2}
	ppsNALU = []byte{0x68, 0xce, 0x38, 0x80}
)

type options struct {
	dir            string
	timescale      uint64
	videoDuration  uint64
	audioDuration  uint64
	videoQualities string
	audioQualities string
	count          int
	realtime       bool
	ext            string
}

func main() {
	opts := options{}
	flag.StringVar(&opts.dir, "dir", "output", "channel directory to write into")
	flag.Uint64Var(&opts.timescale, "timescale", 90000, "channel timescale (ticks per second)")
	flag.Uint64Var(&opts.videoDuration, "vdur", 180000, "video segment duration in timescale units")
	flag.Uint64Var(&opts.audioDuration, "adur", 432000, "audio segment duration in timescale units")
	flag.StringVar(&opts.videoQualities, "vq", "1080p,720p", "comma-separated video qualities")
	flag.StringVar(&opts.audioQualities, "aq", "128k", "comma-separated audio qualities")
	flag.IntVar(&opts.count, "count", 10, "number of segments per quality (0 means unlimited)")
	flag.BoolVar(&opts.realtime, "realtime", false, "pace writes at segment cadence")
	flag.StringVar(&opts.ext, "ext", "m4s", "media segment file extension")
	flag.Parse()

	if err := os.MkdirAll(opts.dir, 0o755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	videoQualities := strings.Split(opts.videoQualities, ",")
	audioQualities := strings.Split(opts.audioQualities, ",")

	for _, q := range videoQualities {
		if err := writeInit(opts.dir, q, genVideoInit(opts.timescale)); err != nil {
			log.Fatalf("Failed to write video init: %v", err)
		}
	}
	for _, q := range audioQualities {
		if err := writeInit(opts.dir, q, genAudioInit(opts.timescale)); err != nil {
			log.Fatalf("Failed to write audio init: %v", err)
		}
	}

	segmentReal := time.Duration(opts.videoDuration * uint64(time.Second) / opts.timescale)
	for n := 0; opts.count == 0 || n < opts.count; n++ {
		vts := uint64(n) * opts.videoDuration
		for _, q := range videoQualities {
			if err := writeSegment(opts, q, vts, opts.videoDuration, uint32(n)); err != nil {
				log.Fatalf("Failed to write video segment: %v", err)
			}
		}
		// Emit every audio segment whose window starts inside this
		// video segment window.
		for _, ats := range audioTimestamps(vts, opts.videoDuration, opts.audioDuration) {
			for _, q := range audioQualities {
				if err := writeSegment(opts, q, ats, opts.audioDuration, uint32(n)); err != nil {
					log.Fatalf("Failed to write audio segment: %v", err)
				}
			}
		}
		if opts.realtime {
			time.Sleep(segmentReal)
		}
	}
	fmt.Println("All segments generated successfully!")
}

// audioTimestamps lists the audio lattice points inside the video
// segment window starting at vts.
func audioTimestamps(vts, vdur, adur uint64) []uint64 {
	var out []uint64
	first := vts / adur
	if vts%adur != 0 {
		first++
	}
	for k := first; k*adur < vts+vdur; k++ {
		out = append(out, k*adur)
	}
	return out
}

func genVideoInit(timescale uint64) *mp4.InitSegment {
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(uint32(timescale), "video", "und")
	init.Moov.Trak.SetAVCDescriptor("avc1", [][]byte{spsNALU}, [][]byte{ppsNALU}, true)
	return init
}

func genAudioInit(timescale uint64) *mp4.InitSegment {
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(uint32(timescale), "audio", "und")
	// AudioSpecificConfig for AAC-LC, 48 kHz, stereo.
	esds := mp4.CreateEsdsBox([]byte{0x11, 0x90})
	mp4a := mp4.CreateAudioSampleEntryBox("mp4a", 2, 16, 48000, esds)
	init.Moov.Trak.Mdia.Minf.Stbl.Stsd.AddChild(mp4a)
	return init
}

func writeInit(dir, quality string, init *mp4.InitSegment) error {
	sw := bits.NewFixedSliceWriter(int(init.Size()))
	if err := init.EncodeSW(sw); err != nil {
		return err
	}
	return atomicWrite(filepath.Join(dir, quality+".init.mp4"), sw.Bytes())
}

func writeSegment(opts options, quality string, ts, dur uint64, seqNr uint32) error {
	frag, err := mp4.CreateFragment(seqNr+1, trackID)
	if err != nil {
		return err
	}
	frag.AddFullSample(mp4.FullSample{
		Sample: mp4.Sample{
			Flags: mp4.SyncSampleFlags,
			Dur:   uint32(dur),
			Size:  uint32(len(dummyPayload)),
		},
		DecodeTime: ts,
		Data:       dummyPayload,
	})
	frag.SetTrunDataOffsets()
	sw := bits.NewFixedSliceWriter(int(frag.Size()))
	if err := frag.EncodeSW(sw); err != nil {
		return err
	}
	name := fmt.Sprintf("%s-%d.%s", quality, ts, opts.ext)
	return atomicWrite(filepath.Join(opts.dir, name), sw.Bytes())
}

// atomicWrite publishes data under path via a temp name and rename.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

var dummyPayload = makeDummyPayload()

func makeDummyPayload() []byte {
	p := make([]byte, 4096)
	for i := range p {
		p[i] = byte(i)
	}
	return p
}

package internal

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"
)

// Segment blobs are opaque on the delivery path, but channels can opt
// in to an ingest-time probe that catches a misconfigured encoder
// before its output reaches clients.

// ProbeInit verifies that blob decodes as a CMAF initialization segment
// with exactly one track and returns its sample entry type ("avc1",
// "mp4a", ...), the leading token of the RFC 6381 codec string.
func ProbeInit(blob []byte) (string, error) {
	m, err := mp4.DecodeFile(bytes.NewReader(blob))
	if err != nil {
		return "", fmt.Errorf("decode init segment: %w", err)
	}
	if m.Init == nil || m.Init.Moov == nil {
		return "", fmt.Errorf("no moov box in init blob")
	}
	if len(m.Init.Moov.Traks) != 1 {
		return "", fmt.Errorf("init blob has %d tracks, want 1", len(m.Init.Moov.Traks))
	}
	sampleDesc, err := m.Init.Moov.Trak.Mdia.Minf.Stbl.Stsd.GetSampleDescription(0)
	if err != nil {
		return "", fmt.Errorf("could not get sample description: %w", err)
	}
	return sampleDesc.Type(), nil
}

// ProbeSegment checks that blob starts with a box a CMAF media segment
// may begin with. Cheap byte inspection only; the blob is not decoded.
func ProbeSegment(blob []byte) error {
	if len(blob) < 8 {
		return fmt.Errorf("segment of %d bytes", len(blob))
	}
	size := binary.BigEndian.Uint32(blob)
	boxType := string(blob[4:8])
	switch boxType {
	case "styp", "moof", "prft", "emsg", "sidx":
	default:
		return fmt.Errorf("unexpected leading box %q", boxType)
	}
	if size != 0 && size != 1 && uint64(size) > uint64(len(blob)) {
		return fmt.Errorf("leading box size %d exceeds segment size %d", size, len(blob))
	}
	return nil
}

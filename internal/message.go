package internal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Wire layout: every message starts with a 16-bit big-endian header
// length, followed by a JSON header object. Media messages carry the
// frame payload (optional init blob followed by the segment blob)
// directly after the header.

const headerLenSize = 2

// Message type tags carried in the JSON header.
const (
	MsgServerHello = "server-hello"
	MsgServerInit  = "server-init"
	MsgVideo       = "video"
	MsgAudio       = "audio"
	MsgClientInit  = "client-init"
	MsgClientInfo  = "client-info"
)

// ServerHello advertises the channel catalog after a connection opens.
type ServerHello struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// ServerInit tells the client how to (re)initialize playback after a
// bind.
type ServerInit struct {
	Type          string `json:"type"`
	Channel       string `json:"channel"`
	VideoCodec    string `json:"videoCodec"`
	AudioCodec    string `json:"audioCodec"`
	Timescale     uint64 `json:"timescale"`
	InitTimestamp uint64 `json:"initTimestamp"`
}

// MediaHeader precedes every audio or video frame payload.
type MediaHeader struct {
	Type            string `json:"type"`
	Quality         string `json:"quality"`
	Timestamp       uint64 `json:"timestamp"`
	Duration        uint64 `json:"duration"`
	ByteOffset      uint64 `json:"byteOffset"`
	TotalByteLength uint64 `json:"totalByteLength"`
}

// ClientInit asks to bind the session to a channel.
type ClientInit struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// ClientInfo reports the client's playback buffer occupancy in seconds.
type ClientInfo struct {
	Type           string  `json:"type"`
	VideoBufferLen float64 `json:"videoBufferLen"`
	AudioBufferLen float64 `json:"audioBufferLen"`
}

// encodeHeader marshals a header and prefixes its length.
func encodeHeader(header any) ([]byte, error) {
	hdr, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	if len(hdr) > 0xffff {
		return nil, fmt.Errorf("header too large: %d bytes", len(hdr))
	}
	buf := make([]byte, headerLenSize, headerLenSize+len(hdr))
	binary.BigEndian.PutUint16(buf, uint16(len(hdr)))
	return append(buf, hdr...), nil
}

// MakeServerHello encodes the catalog message.
func MakeServerHello(channels []string) ([]byte, error) {
	return encodeHeader(ServerHello{Type: MsgServerHello, Channels: channels})
}

// MakeServerInit encodes the playback (re)initialization message.
func MakeServerInit(channel, videoCodec, audioCodec string, timescale, initTimestamp uint64) ([]byte, error) {
	return encodeHeader(ServerInit{
		Type:          MsgServerInit,
		Channel:       channel,
		VideoCodec:    videoCodec,
		AudioCodec:    audioCodec,
		Timescale:     timescale,
		InitTimestamp: initTimestamp,
	})
}

// MakeMediaFrame assembles one media frame: header, then the optional
// init blob, then the segment blob. TotalByteLength counts the payload
// bytes after the header.
func MakeMediaFrame(msgType string, q Quality, ts, duration uint64, init, segment []byte) ([]byte, error) {
	payloadLen := len(segment) + len(init)
	hdr, err := encodeHeader(MediaHeader{
		Type:            msgType,
		Quality:         q.String(),
		Timestamp:       ts,
		Duration:        duration,
		ByteOffset:      0,
		TotalByteLength: uint64(payloadLen),
	})
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(hdr)+payloadLen)
	frame = append(frame, hdr...)
	frame = append(frame, init...)
	frame = append(frame, segment...)
	return frame, nil
}

// splitMessage separates the JSON header from the trailing payload.
func splitMessage(data []byte) (hdr, payload []byte, err error) {
	if len(data) < headerLenSize {
		return nil, nil, fmt.Errorf("%w: frame of %d bytes", ErrBadClient, len(data))
	}
	n := int(binary.BigEndian.Uint16(data))
	if len(data) < headerLenSize+n {
		return nil, nil, fmt.Errorf("%w: truncated header", ErrBadClient)
	}
	return data[headerLenSize : headerLenSize+n], data[headerLenSize+n:], nil
}

// messageType peeks at the type tag of a JSON header.
func messageType(hdr []byte) (string, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(hdr, &tag); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadClient, err)
	}
	return tag.Type, nil
}

// DecodeClientMessage decodes an inbound control message into a
// *ClientInit or *ClientInfo. Any malformed input is ErrBadClient.
func DecodeClientMessage(data []byte) (any, error) {
	hdr, payload, err := splitMessage(data)
	if err != nil {
		return nil, err
	}
	if len(payload) != 0 {
		return nil, fmt.Errorf("%w: unexpected payload on control message", ErrBadClient)
	}
	tag, err := messageType(hdr)
	if err != nil {
		return nil, err
	}
	switch tag {
	case MsgClientInit:
		var msg ClientInit
		if err := json.Unmarshal(hdr, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadClient, err)
		}
		if msg.Channel == "" {
			return nil, fmt.Errorf("%w: client-init without channel", ErrBadClient)
		}
		return &msg, nil
	case MsgClientInfo:
		var msg ClientInfo
		if err := json.Unmarshal(hdr, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadClient, err)
		}
		return &msg, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrBadClient, tag)
	}
}

// ServerMessage is a decoded server-to-client message. Payload is only
// set for media frames.
type ServerMessage struct {
	Hello   *ServerHello
	Init    *ServerInit
	Media   *MediaHeader
	Payload []byte
}

// DecodeServerMessage decodes a server-to-client frame. Used by the
// test client and by tests to verify round-trips.
func DecodeServerMessage(data []byte) (*ServerMessage, error) {
	hdr, payload, err := splitMessage(data)
	if err != nil {
		return nil, err
	}
	tag, err := messageType(hdr)
	if err != nil {
		return nil, err
	}
	switch tag {
	case MsgServerHello:
		var msg ServerHello
		if err := json.Unmarshal(hdr, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadClient, err)
		}
		return &ServerMessage{Hello: &msg}, nil
	case MsgServerInit:
		var msg ServerInit
		if err := json.Unmarshal(hdr, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadClient, err)
		}
		return &ServerMessage{Init: &msg}, nil
	case MsgVideo, MsgAudio:
		var msg MediaHeader
		if err := json.Unmarshal(hdr, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadClient, err)
		}
		if uint64(len(payload)) != msg.TotalByteLength {
			return nil, fmt.Errorf("%w: payload length %d does not match header %d",
				ErrBadClient, len(payload), msg.TotalByteLength)
		}
		return &ServerMessage{Media: &msg, Payload: payload}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrBadClient, tag)
	}
}

// MakeClientInit encodes a bind request. Used by the test client.
func MakeClientInit(channel string) ([]byte, error) {
	return encodeHeader(ClientInit{Type: MsgClientInit, Channel: channel})
}

// MakeClientInfo encodes a buffer report. Used by the test client.
func MakeClientInfo(videoBufferLen, audioBufferLen float64) ([]byte, error) {
	return encodeHeader(ClientInfo{Type: MsgClientInfo, VideoBufferLen: videoBufferLen, AudioBufferLen: audioBufferLen})
}

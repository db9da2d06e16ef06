// Package wire defines the client channel protocol: JSON control messages
// from the browser and the PCM audio framing shared by both directions.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Client-to-server message types.
const (
	MsgAudio           = "audio"
	MsgText            = "text"
	MsgCommitAudio     = "commit_audio"
	MsgInterrupt       = "interrupt"
	MsgClientVADStart  = "client_vad_speech_start"
	MsgPlaybackDrained = "playback_drained"
	MsgSessionStart    = "session_start"
)

// Audio framing: 16-bit signed little-endian mono at 24 kHz.
const (
	SampleRate    = 24000
	BytesPerFrame = 2
)

// Inbound is a decoded client JSON message. Binary WebSocket frames bypass
// this entirely and are treated as raw PCM.
type Inbound struct {
	Type string  `json:"type"`
	Text string  `json:"text,omitempty"`
	Data []int16 `json:"data,omitempty"`
}

// ParseInbound decodes a client text frame.
func ParseInbound(raw []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Inbound{}, fmt.Errorf("parse client message: %w", err)
	}
	if msg.Type == "" {
		return Inbound{}, fmt.Errorf("client message missing type")
	}
	return msg, nil
}

// PCMFromSamples converts the JSON int16-array audio fallback into the same
// little-endian PCM bytes a binary frame carries. Costs a per-sample copy,
// kept only for clients that cannot send binary frames.
func PCMFromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerFrame)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerFrame:], uint16(s))
	}
	return out
}

// ValidatePCM rejects frames that cannot hold whole 16-bit samples.
func ValidatePCM(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty audio frame")
	}
	if len(data)%BytesPerFrame != 0 {
		return fmt.Errorf("odd audio frame length %d", len(data))
	}
	return nil
}

// Package audio implements the frame codec for the caller media socket:
// parsing inbound JSON-framed audio, filtering by participant, and re-framing
// outbound PCM into paced 10 ms packets.
package audio

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Frame kinds used on the media socket.
const (
	KindAudioData     = "AudioData"
	KindAudioMetadata = "AudioMetadata"
	KindCallConnected = "CallConnected"
	KindStopAudio     = "StopAudio"
	KindStartAudio    = "StartAudio"
)

// AudioData is the payload of an AudioData frame.
type AudioData struct {
	// Data is base64-encoded PCM.
	Data string `json:"data"`

	// ParticipantRawID identifies the speaking participant.
	ParticipantRawID string `json:"participantRawID,omitempty"`

	// Timestamp is the provider's capture timestamp, passed through opaquely.
	Timestamp string `json:"timestamp,omitempty"`
}

// Envelope is the inbound media frame schema.
type Envelope struct {
	Kind      string     `json:"kind"`
	AudioData *AudioData `json:"audioData,omitempty"`

	// ParticipantID carries the caller's id on CallConnected frames.
	ParticipantID string `json:"participantId,omitempty"`
}

// ParseEnvelope decodes one inbound JSON text frame.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("audio: parse envelope: %w", err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("audio: envelope missing kind")
	}
	return env, nil
}

// DecodePCM extracts the raw PCM bytes from an AudioData payload.
func (a *AudioData) DecodePCM() ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return nil, fmt.Errorf("audio: decode pcm: %w", err)
	}
	return pcm, nil
}

// outboundFrame is the wire shape of outbound AudioData frames. Field casing
// follows the media provider's contract, which differs from the inbound shape.
type outboundFrame struct {
	Kind      string     `json:"kind"`
	AudioData *AudioData `json:"AudioData"`
}

// stopFrame commands the provider to stop playback of buffered audio.
type stopFrame struct {
	Kind      string     `json:"Kind"`
	AudioData *AudioData `json:"AudioData"`
	StopAudio struct{}   `json:"StopAudio"`
}

// MarshalAudioFrame wraps one base64 PCM frame for sending.
func MarshalAudioFrame(b64 string) ([]byte, error) {
	return json.Marshal(outboundFrame{
		Kind:      KindAudioData,
		AudioData: &AudioData{Data: b64},
	})
}

// MarshalStopAudio builds the StopAudio directive frame.
func MarshalStopAudio() ([]byte, error) {
	return json.Marshal(stopFrame{Kind: KindStopAudio})
}

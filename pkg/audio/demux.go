package audio

import (
	"errors"
	"sync"
)

// PCMWriter receives decoded caller audio. Satisfied by stt.Recognizer.
type PCMWriter interface {
	WriteBytes(chunk []byte) error
}

// ErrUnknownParticipant is returned for AudioData frames whose participant id
// does not match the registered caller. Frames from other participants include
// the agent's own synthesized audio looped back by the provider.
var ErrUnknownParticipant = errors.New("audio: frame from unknown participant")

// Demux filters one call's inbound AudioData frames by participant and pushes
// decoded PCM into the session's recognizer.
//
// The caller's participant id is learned from the CallConnected frame,
// first-writer-wins: later registrations for the same call are ignored.
type Demux struct {
	mu     sync.Mutex
	caller string
	out    PCMWriter
}

// NewDemux creates a Demux feeding the given PCM writer.
func NewDemux(out PCMWriter) *Demux {
	return &Demux{out: out}
}

// RegisterCaller records the caller's participant id. Returns true when this
// call established the registration, false when a caller was already known.
func (d *Demux) RegisterCaller(participantID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.caller != "" {
		return false
	}
	d.caller = participantID
	return true
}

// Caller returns the registered caller participant id, or "".
func (d *Demux) Caller() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caller
}

// HandleAudioData applies the participant filter, decodes the payload and
// writes the PCM to the recognizer. Before a caller is registered only frames
// with no participant id pass (browser sockets do not multiplex
// participants); once a caller is known, every frame must carry that exact
// id, so unattributed frames can no longer slip past the filter.
func (d *Demux) HandleAudioData(a *AudioData) error {
	if a == nil {
		return errors.New("audio: nil audioData payload")
	}

	d.mu.Lock()
	caller := d.caller
	d.mu.Unlock()

	if a.ParticipantRawID != caller {
		return ErrUnknownParticipant
	}

	pcm, err := a.DecodePCM()
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		return nil
	}
	return d.out.WriteBytes(pcm)
}

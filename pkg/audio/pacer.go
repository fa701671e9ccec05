package audio

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

const (
	// frameDuration is the realtime length of one outbound packet.
	frameDuration = 10 * time.Millisecond

	// interruptEvery is how many frames pass between interrupt-flag polls,
	// bounding barge-in latency to interruptEvery * frameDuration.
	interruptEvery = 8
)

// ErrInterrupted is returned by Send when the interrupt flag fires mid-stream.
// A StopAudio directive has already been emitted when this is returned.
var ErrInterrupted = errors.New("audio: playback interrupted")

// SendFunc delivers one marshalled wire frame to the caller socket.
type SendFunc func(ctx context.Context, payload []byte) error

// InterruptFunc reports whether the current utterance should be aborted.
type InterruptFunc func() bool

// Pacer re-frames PCM buffers into fixed 10 ms packets and emits them at
// realtime pace. One Pacer serves one session; Send runs one utterance at a
// time.
type Pacer struct {
	frameSize int
	send      SendFunc
	interrupt InterruptFunc
}

// NewPacer creates a Pacer for 16-bit mono PCM at the given sample rate.
// interrupt may be nil, disabling barge-in polls.
func NewPacer(sampleRate int, send SendFunc, interrupt InterruptFunc) (*Pacer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rate %d", sampleRate)
	}
	if send == nil {
		return nil, errors.New("audio: send func must not be nil")
	}
	return &Pacer{
		frameSize: FrameSize(sampleRate),
		send:      send,
		interrupt: interrupt,
	}, nil
}

// FrameSize returns the byte length of one 10 ms frame of 16-bit mono PCM.
func FrameSize(sampleRate int) int {
	return sampleRate / 100 * 2
}

// SplitFrames cuts pcm into fixed-size frames, zero-padding the tail.
func SplitFrames(pcm []byte, frameSize int) [][]byte {
	if len(pcm) == 0 {
		return nil
	}
	n := (len(pcm) + frameSize - 1) / frameSize
	frames := make([][]byte, 0, n)
	for off := 0; off < len(pcm); off += frameSize {
		end := off + frameSize
		if end <= len(pcm) {
			frames = append(frames, pcm[off:end])
			continue
		}
		tail := make([]byte, frameSize)
		copy(tail, pcm[off:])
		frames = append(frames, tail)
	}
	return frames
}

// Send paces the PCM buffer out as AudioData frames. It returns nil when the
// buffer is fully emitted, ErrInterrupted when the interrupt flag fired (after
// emitting StopAudio), or the underlying send error.
//
// Frames are emitted in order; once interrupted, no further AudioData from
// this buffer is sent.
func (p *Pacer) Send(ctx context.Context, pcm []byte) error {
	frames := SplitFrames(pcm, p.frameSize)
	if len(frames) == 0 {
		return nil
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for i, frame := range frames {
		if p.interrupt != nil && i%interruptEvery == 0 && i > 0 {
			if p.interrupt() {
				return p.stop(ctx)
			}
		}

		payload, err := MarshalAudioFrame(base64.StdEncoding.EncodeToString(frame))
		if err != nil {
			return err
		}
		if err := p.send(ctx, payload); err != nil {
			return fmt.Errorf("audio: send frame: %w", err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return p.stop(context.WithoutCancel(ctx))
		}
	}
	return nil
}

// stop emits the StopAudio directive and reports the interruption. StopAudio
// must precede any further AudioData, so it is sent from the abort path itself.
func (p *Pacer) stop(ctx context.Context) error {
	payload, err := MarshalStopAudio()
	if err != nil {
		return err
	}
	if err := p.send(ctx, payload); err != nil {
		return fmt.Errorf("audio: send stop: %w", err)
	}
	return ErrInterrupted
}

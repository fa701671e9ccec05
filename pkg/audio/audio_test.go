package audio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

func TestParseEnvelope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		wantKind string
		wantErr  bool
	}{
		{
			name:     "audio data",
			raw:      `{"kind":"AudioData","audioData":{"data":"AAAA","participantRawID":"caller-1"}}`,
			wantKind: KindAudioData,
		},
		{
			name:     "call connected",
			raw:      `{"kind":"CallConnected","participantId":"caller-1"}`,
			wantKind: KindCallConnected,
		},
		{
			name:    "missing kind",
			raw:     `{"audioData":{"data":"AAAA"}}`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `nope`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env, err := ParseEnvelope([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if env.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", env.Kind, tt.wantKind)
			}
		})
	}
}

func TestSplitFrames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		pcmLen    int
		frameSize int
		want      int
	}{
		{name: "empty", pcmLen: 0, frameSize: 320, want: 0},
		{name: "exact single", pcmLen: 320, frameSize: 320, want: 1},
		{name: "exact multiple", pcmLen: 960, frameSize: 320, want: 3},
		{name: "padded tail", pcmLen: 321, frameSize: 320, want: 2},
		{name: "sub frame", pcmLen: 10, frameSize: 320, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pcm := make([]byte, tt.pcmLen)
			for i := range pcm {
				pcm[i] = 0xAB
			}
			frames := SplitFrames(pcm, tt.frameSize)
			if len(frames) != tt.want {
				t.Fatalf("frame count = %d, want %d", len(frames), tt.want)
			}
			for i, f := range frames {
				if len(f) != tt.frameSize {
					t.Errorf("frame %d size = %d, want %d", i, len(f), tt.frameSize)
				}
			}
			// Padding bytes past the original data must be zero.
			if tt.pcmLen > 0 && tt.pcmLen%tt.frameSize != 0 {
				last := frames[len(frames)-1]
				for i := tt.pcmLen % tt.frameSize; i < tt.frameSize; i++ {
					if last[i] != 0 {
						t.Fatalf("padding byte %d = %#x, want 0", i, last[i])
					}
				}
			}
		})
	}
}

func TestFrameSize(t *testing.T) {
	t.Parallel()
	if got := FrameSize(16000); got != 320 {
		t.Errorf("FrameSize(16000) = %d, want 320", got)
	}
	if got := FrameSize(24000); got != 480 {
		t.Errorf("FrameSize(24000) = %d, want 480", got)
	}
}

type pcmRecorder struct {
	mu     sync.Mutex
	chunks [][]byte
	err    error
}

func (r *pcmRecorder) WriteBytes(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	r.chunks = append(r.chunks, buf)
	return nil
}

func TestDemuxParticipantFilter(t *testing.T) {
	t.Parallel()

	rec := &pcmRecorder{}
	d := NewDemux(rec)

	if !d.RegisterCaller("caller-1") {
		t.Fatal("first registration should win")
	}
	if d.RegisterCaller("caller-2") {
		t.Fatal("second registration must be ignored")
	}
	if got := d.Caller(); got != "caller-1" {
		t.Fatalf("Caller() = %q, want caller-1", got)
	}

	pcm := []byte{1, 2, 3, 4}
	b64 := base64.StdEncoding.EncodeToString(pcm)

	if err := d.HandleAudioData(&AudioData{Data: b64, ParticipantRawID: "caller-1"}); err != nil {
		t.Fatalf("caller frame rejected: %v", err)
	}
	err := d.HandleAudioData(&AudioData{Data: b64, ParticipantRawID: "bot-voice"})
	if !errors.Is(err, ErrUnknownParticipant) {
		t.Fatalf("foreign frame error = %v, want ErrUnknownParticipant", err)
	}
	err = d.HandleAudioData(&AudioData{Data: b64})
	if !errors.Is(err, ErrUnknownParticipant) {
		t.Fatalf("unattributed frame error = %v, want ErrUnknownParticipant", err)
	}

	if len(rec.chunks) != 1 {
		t.Fatalf("recognizer received %d chunks, want 1", len(rec.chunks))
	}
}

func TestDemuxUnattributedFramesPassBeforeRegistration(t *testing.T) {
	t.Parallel()

	rec := &pcmRecorder{}
	d := NewDemux(rec)

	pcm := []byte{9, 8, 7, 6}
	b64 := base64.StdEncoding.EncodeToString(pcm)

	// Browser sockets never register a caller and never set a participant id.
	if err := d.HandleAudioData(&AudioData{Data: b64}); err != nil {
		t.Fatalf("browser frame rejected: %v", err)
	}
	if len(rec.chunks) != 1 {
		t.Fatalf("recognizer received %d chunks, want 1", len(rec.chunks))
	}

	// Once telephony registers the caller, unattributed frames are dropped.
	d.RegisterCaller("caller-9")
	err := d.HandleAudioData(&AudioData{Data: b64})
	if !errors.Is(err, ErrUnknownParticipant) {
		t.Fatalf("unattributed frame error = %v, want ErrUnknownParticipant", err)
	}
	if len(rec.chunks) != 1 {
		t.Fatalf("recognizer received %d chunks after registration, want 1", len(rec.chunks))
	}
}

func TestDemuxBadBase64(t *testing.T) {
	t.Parallel()
	d := NewDemux(&pcmRecorder{})
	d.RegisterCaller("c")
	if err := d.HandleAudioData(&AudioData{Data: "!!!", ParticipantRawID: "c"}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestPacerSendsAllFrames(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var sent [][]byte
	send := func(_ context.Context, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, payload)
		return nil
	}

	p, err := NewPacer(16000, send, nil)
	if err != nil {
		t.Fatalf("NewPacer: %v", err)
	}

	// 5 frames of 320 bytes.
	if err := p.Send(context.Background(), make([]byte, 1600)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(sent) != 5 {
		t.Fatalf("sent %d frames, want 5", len(sent))
	}
	for i, payload := range sent {
		var frame struct {
			Kind      string `json:"kind"`
			AudioData struct {
				Data string `json:"data"`
			} `json:"AudioData"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			t.Fatalf("frame %d not json: %v", i, err)
		}
		if frame.Kind != KindAudioData {
			t.Errorf("frame %d kind = %q", i, frame.Kind)
		}
		pcm, err := base64.StdEncoding.DecodeString(frame.AudioData.Data)
		if err != nil {
			t.Fatalf("frame %d payload not base64: %v", i, err)
		}
		if len(pcm) != 320 {
			t.Errorf("frame %d pcm = %d bytes, want 320", i, len(pcm))
		}
	}
}

// Once the interrupt flag fires, no audio frame at or after the poll point
// may be emitted, and a StopAudio directive must follow the last frame.
func TestPacerInterrupt(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var kinds []string
	send := func(_ context.Context, payload []byte) error {
		var frame struct {
			Kind string `json:"kind"`
			K2   string `json:"Kind"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			return err
		}
		kind := frame.Kind
		if kind == "" {
			kind = frame.K2
		}
		mu.Lock()
		kinds = append(kinds, kind)
		mu.Unlock()
		return nil
	}

	p, err := NewPacer(16000, send, func() bool { return true })
	if err != nil {
		t.Fatalf("NewPacer: %v", err)
	}

	// 40 frames; the flag is already set so the first poll (frame 8) aborts.
	err = p.Send(context.Background(), make([]byte, 320*40))
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Send error = %v, want ErrInterrupted", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) == 0 {
		t.Fatal("nothing sent")
	}
	last := kinds[len(kinds)-1]
	if last != KindStopAudio {
		t.Fatalf("last frame kind = %q, want StopAudio", last)
	}
	audioFrames := len(kinds) - 1
	if audioFrames > 8 {
		t.Fatalf("emitted %d audio frames after interrupt, want <= 8", audioFrames)
	}
	for _, k := range kinds[:audioFrames] {
		if k != KindAudioData {
			t.Errorf("unexpected frame kind %q before stop", k)
		}
	}
}

func TestPacerContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var last []byte
	send := func(_ context.Context, payload []byte) error {
		mu.Lock()
		last = payload
		mu.Unlock()
		cancel()
		return nil
	}

	p, err := NewPacer(16000, send, nil)
	if err != nil {
		t.Fatalf("NewPacer: %v", err)
	}
	err = p.Send(ctx, make([]byte, 320*10))
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Send error = %v, want ErrInterrupted", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var frame struct {
		Kind string `json:"Kind"`
	}
	if err := json.Unmarshal(last, &frame); err != nil {
		t.Fatalf("last frame not json: %v", err)
	}
	if frame.Kind != KindStopAudio {
		t.Fatalf("last frame = %q, want StopAudio", frame.Kind)
	}
}

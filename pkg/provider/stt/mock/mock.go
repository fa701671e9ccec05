// Package mock provides test doubles for the stt.Factory and stt.Recognizer
// interfaces. The mock recognizer records written audio and lets tests drive
// the sink directly via EmitPartial, EmitFinal and EmitCancel.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/xymz/voicegate/pkg/provider/stt"
)

// Factory implements stt.Factory and hands out mock Recognizers.
type Factory struct {
	mu sync.Mutex

	// NewErr, if non-nil, is returned from NewRecognizer.
	NewErr error

	// Recognizers lists every recognizer created, in order.
	Recognizers []*Recognizer
}

var _ stt.Factory = (*Factory)(nil)

// NewRecognizer implements stt.Factory.
func (f *Factory) NewRecognizer(cfg stt.Config, sink stt.Sink) (stt.Recognizer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	r := &Recognizer{Config: cfg, sink: sink}
	f.Recognizers = append(f.Recognizers, r)
	return r, nil
}

// Last returns the most recently created recognizer, or nil.
func (f *Factory) Last() *Recognizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Recognizers) == 0 {
		return nil
	}
	return f.Recognizers[len(f.Recognizers)-1]
}

// Recognizer is a scriptable stt.Recognizer.
type Recognizer struct {
	// Config is the configuration the recognizer was created with.
	Config stt.Config

	// StartErr, if non-nil, is returned from Start.
	StartErr error

	mu      sync.Mutex
	sink    stt.Sink
	started bool
	stopped bool

	// Written accumulates every chunk passed to WriteBytes.
	Written [][]byte

	// StopCount is the number of times Stop was called.
	StopCount int
}

var _ stt.Recognizer = (*Recognizer)(nil)

// Start implements stt.Recognizer.
func (r *Recognizer) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StartErr != nil {
		return r.StartErr
	}
	r.started = true
	return nil
}

// WriteBytes implements stt.Recognizer.
func (r *Recognizer) WriteBytes(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.stopped {
		return errors.New("sttmock: recognizer not running")
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	r.Written = append(r.Written, buf)
	return nil
}

// Stop implements stt.Recognizer.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.StopCount++
	return nil
}

// Started reports whether Start succeeded.
func (r *Recognizer) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Stopped reports whether Stop was called.
func (r *Recognizer) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// EmitPartial invokes the sink's OnPartial from the caller's goroutine,
// mimicking the provider's network callback.
func (r *Recognizer) EmitPartial(text, language string) {
	r.sink.OnPartial(text, language)
}

// EmitFinal invokes the sink's OnFinal.
func (r *Recognizer) EmitFinal(text, language string) {
	r.sink.OnFinal(text, language)
}

// EmitCancel invokes the sink's OnCancel.
func (r *Recognizer) EmitCancel(reason string) {
	r.sink.OnCancel(reason)
}

// Package mock provides a scriptable call-control client for tests.
package mock

import (
	"context"
	"sync"

	"github.com/xymz/voicegate/internal/callcontrol"
)

// Call records one client invocation.
type Call struct {
	Method string
	CallID string
	Arg    string
}

// Client implements callcontrol.Client recording every invocation. Safe for
// concurrent use.
type Client struct {
	mu    sync.Mutex
	calls []Call

	// CreateCallID and AnswerCallID are returned from the respective methods.
	CreateCallID string
	AnswerCallID string

	// Err, when set, is returned from every method.
	Err error

	// StartTranscriptionErrs is consumed one per StartTranscription call;
	// after the slice is exhausted nil is returned. Overrides Err for that
	// method while entries remain.
	StartTranscriptionErrs []error
}

var _ callcontrol.Client = (*Client)(nil)

func (c *Client) record(method, callID, arg string) {
	c.mu.Lock()
	c.calls = append(c.calls, Call{Method: method, CallID: callID, Arg: arg})
	c.mu.Unlock()
}

// Calls returns a copy of the recorded invocations.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallsTo returns the recorded invocations of one method.
func (c *Client) CallsTo(method string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.calls {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

// CreateCall implements callcontrol.Client.
func (c *Client) CreateCall(_ context.Context, target string) (string, error) {
	c.record("CreateCall", "", target)
	if c.Err != nil {
		return "", c.Err
	}
	return c.CreateCallID, nil
}

// AnswerCall implements callcontrol.Client.
func (c *Client) AnswerCall(_ context.Context, incomingCallContext string) (string, error) {
	c.record("AnswerCall", "", incomingCallContext)
	if c.Err != nil {
		return "", c.Err
	}
	return c.AnswerCallID, nil
}

// PlayText implements callcontrol.Client.
func (c *Client) PlayText(_ context.Context, callID, text string) error {
	c.record("PlayText", callID, text)
	return c.Err
}

// StartContinuousDTMF implements callcontrol.Client.
func (c *Client) StartContinuousDTMF(_ context.Context, callID string) error {
	c.record("StartContinuousDTMF", callID, "")
	return c.Err
}

// StartTranscription implements callcontrol.Client.
func (c *Client) StartTranscription(_ context.Context, callID string) error {
	c.record("StartTranscription", callID, "")
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.StartTranscriptionErrs) > 0 {
		err := c.StartTranscriptionErrs[0]
		c.StartTranscriptionErrs = c.StartTranscriptionErrs[1:]
		return err
	}
	return c.Err
}

// StopTranscription implements callcontrol.Client.
func (c *Client) StopTranscription(_ context.Context, callID string) error {
	c.record("StopTranscription", callID, "")
	return c.Err
}

// HangUp implements callcontrol.Client.
func (c *Client) HangUp(_ context.Context, callID string) error {
	c.record("HangUp", callID, "")
	return c.Err
}

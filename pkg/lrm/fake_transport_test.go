package lrm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeTransport is an in-memory Transport. Queued replies are returned one
// per Read; an empty queue blocks for readTimeout and then reports a timeout
// with zero bytes.
type fakeTransport struct {
	mu          sync.Mutex
	writes      [][]byte
	replies     chan []byte
	readTimeout time.Duration
	writeErr    error
	closeErr    error
	closed      bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		replies:     make(chan []byte, 64),
		readTimeout: 20 * time.Millisecond,
	}
}

func (f *fakeTransport) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("port closed")
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	select {
	case reply := <-f.replies:
		if len(reply) > maxBytes {
			reply = reply[:maxBytes]
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(f.readTimeout):
		return nil, nil
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func (f *fakeTransport) queue(replies ...[]byte) {
	for _, r := range replies {
		f.replies <- r
	}
}

func (f *fakeTransport) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeOpener hands out one fakeTransport per port name.
type fakeOpener struct {
	mu         sync.Mutex
	transports map[string]*fakeTransport
	err        error
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{transports: make(map[string]*fakeTransport)}
}

func (o *fakeOpener) Open(ctx context.Context, name string) (Transport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	t := newFakeTransport()
	o.transports[name] = t
	return t, nil
}

func (o *fakeOpener) transport(name string) *fakeTransport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transports[name]
}

func measurementFrame(addr, status byte, ascii string) []byte {
	return Frame{addr, CmdMeasure, append([]byte{status}, ascii...)}.Bytes()
}

package pushchannel_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/illmade-knight/go-presencesync/pkg/pushchannel"
	"github.com/illmade-knight/go-presencesync/pkg/types"
)

// fakeConn is an in-memory push connection.
type fakeConn struct {
	inbound   chan []byte
	dropped   chan struct{}
	closed    chan struct{}
	dropOnce  sync.Once
	closeOnce sync.Once

	mu      sync.Mutex
	written []map[string]interface{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		dropped: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.inbound:
		return websocket.TextMessage, b, nil
	case <-c.dropped:
		return 0, nil, errors.New("connection reset by peer")
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// push delivers a raw frame to the reader.
func (c *fakeConn) push(frame string) {
	c.inbound <- []byte(frame)
}

// drop simulates the server going away.
func (c *fakeConn) drop() {
	c.dropOnce.Do(func() { close(c.dropped) })
}

// subscribedSubjects returns the userIds of every interest registration written so far.
func (c *fakeConn) subscribedSubjects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var subjects []string
	for _, frame := range c.written {
		if frame["event"] != "subscribe" {
			continue
		}
		data, _ := frame["data"].(map[string]interface{})
		if id, ok := data["userId"].(string); ok {
			subjects = append(subjects, id)
		}
	}
	return subjects
}

// fakeDialer hands out fakeConns, or queued errors first.
type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	conns      []*fakeConn
	errs       []error
	failAlways error
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (pushchannel.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	if d.failAlways != nil {
		return nil, d.failAlways
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) setFailAlways(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAlways = err
}

// recorder collects handler callbacks.
type recorder struct {
	mu          sync.Mutex
	updates     []types.Update
	events      []pushchannel.ConnectionEvent
	rateLimited int
}

func (r *recorder) handlers() pushchannel.Handlers {
	return pushchannel.Handlers{
		OnUpdate: func(u types.Update) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.updates = append(r.updates, u)
		},
		OnConnectionEvent: func(e pushchannel.ConnectionEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, e)
		},
		OnRateLimited: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.rateLimited++
		},
	}
}

func (r *recorder) updateList() []types.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Update(nil), r.updates...)
}

func (r *recorder) eventList() []pushchannel.ConnectionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pushchannel.ConnectionEvent(nil), r.events...)
}

func (r *recorder) countEvents(kind pushchannel.ConnectionEventKind) int {
	n := 0
	for _, e := range r.eventList() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) rateLimitedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rateLimited
}

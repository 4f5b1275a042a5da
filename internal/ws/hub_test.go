package ws

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeConn) WriteJSON(v interface{}) error         { return nil }
func (f *fakeConn) ReadJSON(v interface{}) error          { select {} }
func (f *fakeConn) WriteMessage(t int, data []byte) error { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error    { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error     { return nil }
func (f *fakeConn) SetPongHandler(h func(string) error)   {}
func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type recordedPresence struct {
	mu          sync.Mutex
	connects    int
	disconnects int
}

func (p *recordedPresence) OnConnect(userID uint, socketID string) {
	p.mu.Lock()
	p.connects++
	p.mu.Unlock()
}

func (p *recordedPresence) OnDisconnect(socketID string) {
	p.mu.Lock()
	p.disconnects++
	p.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drain(c *Client) []Message {
	var out []Message
	for {
		select {
		case m := <-c.send:
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestHub_PublishFiltersBySubscription(t *testing.T) {
	h := NewHub(testLogger(), nil)
	both := NewClient(h, &fakeConn{}, 1)
	sheetOnly := NewClient(h, &fakeConn{}, 2)
	h.Register(both)
	h.Register(sheetOnly)
	h.Subscribe(sheetOnly.ID, []string{ChannelSheetUpdate})

	h.Publish(ChannelPriceDropNotifications, map[string]int{"count": 2})

	if got := len(drain(both)); got != 1 {
		t.Fatalf("both-channel client got %d messages, want 1", got)
	}
	if got := len(drain(sheetOnly)); got != 0 {
		t.Fatalf("sheet-only client got %d messages, want 0", got)
	}
}

func TestHub_SlowConsumerEvicted(t *testing.T) {
	presence := &recordedPresence{}
	h := NewHub(testLogger(), presence)
	conn := &fakeConn{}
	c := NewClient(h, conn, 1)
	h.Register(c)

	// 不启动 WritePump，让缓冲填满。
	for i := 0; i < sendBufferSize; i++ {
		h.Publish(ChannelSheetUpdate, i)
	}
	if st := h.Stats(); st.ConnectionCount != 1 {
		t.Fatalf("connection evicted too early")
	}

	// 缓冲满之后连击三次即被踢。
	for i := 0; i < maxDropStrikes; i++ {
		h.Publish(ChannelSheetUpdate, "overflow")
	}

	st := h.Stats()
	if st.ConnectionCount != 0 {
		t.Fatalf("ConnectionCount = %d, want 0", st.ConnectionCount)
	}
	if !conn.isClosed() {
		t.Fatalf("expected connection closed")
	}
	presence.mu.Lock()
	defer presence.mu.Unlock()
	if presence.disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", presence.disconnects)
	}
}

func TestHub_StrikesResetOnSuccess(t *testing.T) {
	h := NewHub(testLogger(), nil)
	c := NewClient(h, &fakeConn{}, 1)
	h.Register(c)

	for i := 0; i < sendBufferSize; i++ {
		h.Publish(ChannelSheetUpdate, i)
	}
	// 两次失败后腾出空间，击数应归零。
	h.Publish(ChannelSheetUpdate, "drop-1")
	h.Publish(ChannelSheetUpdate, "drop-2")
	<-c.send
	h.Publish(ChannelSheetUpdate, "fits")

	// 再满上，还能扛两次失败才被踢。
	h.Publish(ChannelSheetUpdate, "drop-3")
	h.Publish(ChannelSheetUpdate, "drop-4")
	if st := h.Stats(); st.ConnectionCount != 1 {
		t.Fatalf("client evicted despite strike reset")
	}
}

func TestHub_UnregisterUnknownSocketNoop(t *testing.T) {
	h := NewHub(testLogger(), nil)
	h.Unregister("no-such-socket")

	if st := h.Stats(); st.ConnectionCount != 0 {
		t.Fatalf("ConnectionCount = %d, want 0", st.ConnectionCount)
	}
}

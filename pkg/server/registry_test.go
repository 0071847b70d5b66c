package server

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/studylink/studylink/pkg/protocol"
)

type fakeConn struct {
	mu       sync.Mutex
	sent     []*protocol.Envelope
	closed   bool
	code     int
	writeErr error
}

func (f *fakeConn) WriteEnvelope(env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeConn) CloseWithCode(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(zap.NewNop(), NewMetrics())
}

func TestRegisterAndLookup(t *testing.T) {
	reg := testRegistry(t)
	conn := &fakeConn{}

	reg.Register("u1", conn)

	got, ok := reg.Lookup("u1")
	require.True(t, ok)
	assert.Same(t, conn, got.(*fakeConn))
	assert.True(t, reg.IsOnline("u1"))
	assert.False(t, reg.IsOnline("u2"))
	assert.Equal(t, 1, reg.Count())
}

func TestRegisterReplacesPreviousConnection(t *testing.T) {
	reg := testRegistry(t)
	old := &fakeConn{}
	fresh := &fakeConn{}

	reg.Register("u1", old)
	reg.Register("u1", fresh)

	assert.True(t, old.isClosed())
	assert.Equal(t, protocol.CloseNormal, old.code)
	assert.False(t, fresh.isClosed())

	got, ok := reg.Lookup("u1")
	require.True(t, ok)
	assert.Same(t, fresh, got.(*fakeConn))
	assert.Equal(t, 1, reg.Count())
}

func TestRemoveRequiresMatchingConnection(t *testing.T) {
	reg := testRegistry(t)
	old := &fakeConn{}
	fresh := &fakeConn{}

	reg.Register("u1", old)
	reg.Register("u1", fresh)

	// The replaced connection's teardown must not evict the replacement.
	assert.False(t, reg.Remove("u1", old))
	assert.True(t, reg.IsOnline("u1"))

	assert.True(t, reg.Remove("u1", fresh))
	assert.False(t, reg.IsOnline("u1"))
	assert.False(t, reg.Remove("u1", fresh))
}

func TestSendToOfflineUserIsLoggedNoop(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	reg := NewRegistry(zap.New(core), NewMetrics())

	assert.False(t, reg.Send("ghost", protocol.NewError("nope")))
	assert.Equal(t, 1, logs.FilterMessage("no live connection for user, dropping envelope").Len())
}

func TestSendEvictsDeadConnection(t *testing.T) {
	reg := testRegistry(t)
	conn := &fakeConn{writeErr: errors.New("broken pipe")}
	reg.Register("u1", conn)

	assert.False(t, reg.Send("u1", protocol.NewError("hi")))
	assert.False(t, reg.IsOnline("u1"))
	assert.True(t, conn.isClosed())
}

func TestBroadcastSkipsOffline(t *testing.T) {
	reg := testRegistry(t)
	a := &fakeConn{}
	b := &fakeConn{}
	reg.Register("a", a)
	reg.Register("b", b)

	reg.Broadcast([]string{"a", "b", "ghost"}, protocol.New(protocol.TypeUserOnline, &protocol.PresenceEvent{UserID: "c"}))

	assert.Equal(t, 1, a.sentCount())
	assert.Equal(t, 1, b.sentCount())
}

func TestCloseAll(t *testing.T) {
	reg := testRegistry(t)
	a := &fakeConn{}
	b := &fakeConn{}
	reg.Register("a", a)
	reg.Register("b", b)

	reg.CloseAll(protocol.CloseNormal, "shutting down")

	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.Equal(t, 0, reg.Count())
}

func TestConcurrentRegisterAndSend(t *testing.T) {
	reg := testRegistry(t)
	env := protocol.New(protocol.TypeUserOnline, &protocol.PresenceEvent{UserID: "x"})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Register("u1", &fakeConn{})
			reg.Send("u1", env)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, reg.Count())
}

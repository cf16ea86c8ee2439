package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorsync/anchorsync/internal/core/observability/log"
	"github.com/anchorsync/anchorsync/internal/core/protocol"
)

// fakeChannel is a scriptable Channel: each Open consumes one entry from the
// failures queue, and sent frames are recorded for inspection.
type fakeChannel struct {
	mu        sync.Mutex
	openErrs  []error
	openCount int
	sent      [][]byte
	sendErr   error

	onMessage func([]byte)
	onClose   func(error)
}

func (f *fakeChannel) Open(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCount++
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		return err
	}
	return nil
}

func (f *fakeChannel) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) OnMessage(fn func([]byte)) { f.onMessage = fn }
func (f *fakeChannel) OnClose(fn func(error))    { f.onClose = fn }

func (f *fakeChannel) opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCount
}

func (f *fakeChannel) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func failNTimes(n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = errors.New("connection refused")
	}
	return errs
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Endpoint = "ws://test/sync"
	cfg.UserID = "user-a"
	cfg.SessionID = "session-1"
	cfg.Region = "room_kitchen"
	cfg.ConnectTimeout = time.Second
	cfg.ReconnectBaseDelay = time.Millisecond
	cfg.ReconnectMaxDelay = 5 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	cfg.RequestTimeout = 100 * time.Millisecond
	return cfg
}

func testLogger() log.Log {
	return log.New(log.LevelError)
}

func waitForState(t *testing.T, tr *Transport, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state never reached %s, stuck at %s", want, tr.State())
}

func TestConnectRegisters(t *testing.T) {
	channel := &fakeChannel{}
	tr := New(channel, testConfig(), testLogger())
	defer tr.Dispose()

	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, StateRegistered, tr.State())
	assert.True(t, tr.Registered())

	frames := channel.sentFrames()
	require.Len(t, frames, 1)
	msgType, err := protocol.PeekType(frames[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeRegister, msgType)
}

func TestSendOnlyWhenRegistered(t *testing.T) {
	channel := &fakeChannel{}
	tr := New(channel, testConfig(), testLogger())
	defer tr.Dispose()

	result, err := tr.Send(protocol.SyncAck{Type: protocol.TypeSyncAck})
	require.NoError(t, err)
	assert.True(t, result.Queued, "unregistered send must report queued")
	assert.Empty(t, channel.sentFrames())

	require.NoError(t, tr.Connect(context.Background()))

	result, err = tr.Send(protocol.SyncAck{Type: protocol.TypeSyncAck})
	require.NoError(t, err)
	assert.False(t, result.Queued)
	assert.Len(t, channel.sentFrames(), 2) // register + ack
}

func TestReconnectBackoffThenRecovery(t *testing.T) {
	channel := &fakeChannel{openErrs: failNTimes(2)}
	tr := New(channel, testConfig(), testLogger())
	defer tr.Dispose()

	_ = tr.Connect(context.Background())
	waitForState(t, tr, StateRegistered)
	assert.Equal(t, 3, channel.opens())
}

func TestReconnectExhaustionClosesPermanently(t *testing.T) {
	channel := &fakeChannel{openErrs: failNTimes(10)}
	tr := New(channel, testConfig(), testLogger())
	defer tr.Dispose()

	fatal := make(chan struct{})
	tr.OnFatal(func() { close(fatal) })

	_ = tr.Connect(context.Background())
	waitForState(t, tr, StateClosedPermanently)

	select {
	case <-fatal:
	case <-time.After(time.Second):
		t.Fatal("fatal notification never fired")
	}

	// No further automatic attempts once closed.
	opens := channel.opens()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, opens, channel.opens())

	// 1 initial + MaxReconnectAttempts scheduled retries.
	assert.Equal(t, 4, opens)
}

func TestUnexpectedClosureTriggersReconnect(t *testing.T) {
	channel := &fakeChannel{}
	tr := New(channel, testConfig(), testLogger())
	defer tr.Dispose()

	require.NoError(t, tr.Connect(context.Background()))
	channel.onClose(errors.New("peer went away"))

	waitForState(t, tr, StateRegistered)
	assert.Equal(t, 2, channel.opens())
}

func TestRequestResolvesOnResponse(t *testing.T) {
	channel := &fakeChannel{}
	tr := New(channel, testConfig(), testLogger())
	defer tr.Dispose()
	require.NoError(t, tr.Connect(context.Background()))

	go func() {
		time.Sleep(10 * time.Millisecond)
		response, _ := json.Marshal(protocol.AnchorsResponse{
			Type:      protocol.TypeAnchorsResponse,
			RequestID: "req-1",
		})
		channel.onMessage(response)
	}()

	raw, err := tr.Request(context.Background(), "req-1", protocol.FetchAnchors{
		Type:      protocol.TypeFetchAnchors,
		RequestID: "req-1",
		Region:    "room_kitchen",
	}, time.Second)
	require.NoError(t, err)

	var resp protocol.AnchorsResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "req-1", resp.RequestID)
}

func TestRequestTimesOutAndIgnoresLateResponse(t *testing.T) {
	channel := &fakeChannel{}
	tr := New(channel, testConfig(), testLogger())
	defer tr.Dispose()
	require.NoError(t, tr.Connect(context.Background()))

	_, err := tr.Request(context.Background(), "req-1", protocol.FetchAnchors{
		Type:      protocol.TypeFetchAnchors,
		RequestID: "req-1",
	}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	// A response arriving after the timeout must be a no-op.
	response, _ := json.Marshal(protocol.AnchorsResponse{
		Type:      protocol.TypeAnchorsResponse,
		RequestID: "req-1",
	})
	channel.onMessage(response)
}

func TestDuplicateRequestIDRejected(t *testing.T) {
	channel := &fakeChannel{}
	tr := New(channel, testConfig(), testLogger())
	defer tr.Dispose()
	require.NoError(t, tr.Connect(context.Background()))

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = tr.Request(context.Background(), "req-1", protocol.FetchAnchors{
			Type: protocol.TypeFetchAnchors, RequestID: "req-1",
		}, 200*time.Millisecond)
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	_, err := tr.Request(context.Background(), "req-1", protocol.FetchAnchors{
		Type: protocol.TypeFetchAnchors, RequestID: "req-1",
	}, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	channel := &fakeChannel{}
	tr := New(channel, testConfig(), testLogger())
	defer tr.Dispose()
	require.NoError(t, tr.Connect(context.Background()))

	// None of these may panic or kill the handler loop.
	channel.onMessage([]byte("{broken"))
	channel.onMessage([]byte(`{"type":"no_such_type"}`))
	channel.onMessage([]byte(`{}`))

	assert.Equal(t, StateRegistered, tr.State())
}

func TestDisposeFailsPendingAndStopsTimers(t *testing.T) {
	channel := &fakeChannel{openErrs: failNTimes(10)}
	tr := New(channel, testConfig(), testLogger())

	_ = tr.Connect(context.Background())
	tr.Dispose()

	// Let any in-flight reconnect drain, then verify the timers are dead.
	time.Sleep(10 * time.Millisecond)
	before := channel.opens()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, channel.opens())

	_, err := tr.Request(context.Background(), "req-1", protocol.FetchAnchors{
		Type: protocol.TypeFetchAnchors, RequestID: "req-1",
	}, time.Second)
	assert.ErrorIs(t, err, ErrDisposed)
}

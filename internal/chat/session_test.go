package chat_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eduzmena/chatbot/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type sessionFixture struct {
	session  *chat.Session
	dialer   *fakeDialer
	renderer *recordingRenderer
	clock    *manualClock
	statuses chan chat.Status
}

func newSessionFixture(t *testing.T, conns ...*fakeConn) sessionFixture {
	t.Helper()

	f := sessionFixture{
		dialer:   &fakeDialer{},
		renderer: newRecordingRenderer(),
		clock:    &manualClock{},
		statuses: make(chan chat.Status, 128),
	}
	for _, c := range conns {
		f.dialer.queue(c)
	}
	f.session = chat.NewSession(chat.Config{URL: "ws://chat.test/ws/chat"}, f.dialer, f.renderer,
		chat.WithClock(f.clock),
		chat.WithStatusHandler(func(s chat.Status) { f.statuses <- s }),
	)
	require.NoError(t, f.session.Open(context.Background()))
	t.Cleanup(f.session.Dispose)
	return f
}

// expect reads the next statuses and checks their kinds in order.
func (f sessionFixture) expect(t *testing.T, kinds ...chat.StatusKind) []chat.Status {
	t.Helper()
	var got []chat.Status
	for _, k := range kinds {
		select {
		case s := <-f.statuses:
			require.Equal(t, k, s.Kind, "status %q", s.Text)
			got = append(got, s)
		case <-time.After(waitFor):
			t.Fatalf("timed out waiting for status kind %d", k)
		}
	}
	return got
}

// fireReconnect waits for the reconnect task to be scheduled and lets the delay elapse.
func (f sessionFixture) fireReconnect(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return f.clock.Pending() == 1 }, waitFor, tick)
	f.clock.Advance(3 * time.Second)
}

func TestSessionStreamsReply(t *testing.T) {
	conn := newFakeConn()
	f := newSessionFixture(t, conn)
	f.expect(t, chat.StatusConnected)
	assert.Equal(t, chat.ConnOpen, f.session.State())

	f.session.Send("  hi  ")
	require.Eventually(t, func() bool { return len(conn.writes()) == 1 }, waitFor, tick)
	assert.Equal(t, "hi", conn.writes()[0])

	conn.in <- []byte(`{"role":"assistant","content":"Hel"}`)
	conn.in <- []byte(`{"role":"assistant","content":"lo"}`)
	conn.in <- []byte(`{"event":"done"}`)

	require.Eventually(t, func() bool {
		bots := f.renderer.visible(chat.SenderBot)
		return len(bots) == 1 && bots[0] == "Hello"
	}, waitFor, tick)
	assert.Equal(t, []string{"hi"}, f.renderer.visible(chat.SenderUser))
	assert.Equal(t, []string{"Connected"}, f.renderer.statusList())
}

func TestSessionIgnoresBlankMessages(t *testing.T) {
	conn := newFakeConn()
	f := newSessionFixture(t, conn)
	f.expect(t, chat.StatusConnected)

	f.session.Send("   ")
	f.session.Send("real")

	require.Eventually(t, func() bool { return len(conn.writes()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"real"}, conn.writes())
}

func TestSessionReconnectExhausted(t *testing.T) {
	f := newSessionFixture(t)

	f.expect(t, chat.StatusError, chat.StatusDisconnected)
	for attempt := 1; attempt <= 5; attempt++ {
		f.fireReconnect(t)
		got := f.expect(t, chat.StatusReconnecting, chat.StatusError, chat.StatusDisconnected)
		assert.Equal(t, attempt, got[0].Attempt)
		assert.Equal(t, 5, got[0].Max)
		assert.Equal(t, "Reconnecting... ("+string(rune('0'+attempt))+"/5)", got[0].Text)
		assert.ErrorIs(t, got[1].Err, chat.ErrConnection)
	}

	failed := f.expect(t, chat.StatusFailed)
	assert.ErrorIs(t, failed[0].Err, chat.ErrReconnectExhausted)
	assert.Equal(t, "Connection failed", failed[0].Text)

	assert.Zero(t, f.clock.Pending())
	f.clock.Advance(time.Minute)
	assert.Equal(t, 6, f.dialer.dialCount())
	assert.Equal(t, chat.ConnClosed, f.session.State())
}

func TestSessionReconnectResetsAttempts(t *testing.T) {
	f := newSessionFixture(t)
	f.expect(t, chat.StatusError, chat.StatusDisconnected)

	first := newFakeConn()
	f.dialer.queue(first)
	f.fireReconnect(t)
	got := f.expect(t, chat.StatusReconnecting, chat.StatusConnected)
	assert.Equal(t, 1, got[0].Attempt)

	second := newFakeConn()
	f.dialer.queue(second)
	first.Close()
	f.expect(t, chat.StatusDisconnected)
	f.fireReconnect(t)
	got = f.expect(t, chat.StatusReconnecting, chat.StatusConnected)
	assert.Equal(t, 1, got[0].Attempt)
}

func TestSessionReadErrorReportsConnectionError(t *testing.T) {
	conn := newFakeConn()
	f := newSessionFixture(t, conn)
	f.expect(t, chat.StatusConnected)

	conn.failR <- errors.New("connection reset by peer")

	got := f.expect(t, chat.StatusError, chat.StatusDisconnected)
	assert.ErrorIs(t, got[0].Err, chat.ErrConnection)
	assert.True(t, conn.isClosed())
}

func TestSessionSendWhileDisconnected(t *testing.T) {
	f := newSessionFixture(t)
	f.expect(t, chat.StatusError, chat.StatusDisconnected)

	f.session.Send("anyone there?")

	require.Eventually(t, func() bool {
		return len(f.renderer.visible(chat.SenderSystem)) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"Not connected to server. Please wait..."}, f.renderer.visible(chat.SenderSystem))
	assert.Empty(t, f.renderer.visible(chat.SenderUser))
}

func TestSessionSendFailure(t *testing.T) {
	conn := newFakeConn()
	conn.failW = errors.New("broken pipe")
	f := newSessionFixture(t, conn)
	f.expect(t, chat.StatusConnected)

	f.session.Send("hi")

	require.Eventually(t, func() bool {
		return len(f.renderer.visible(chat.SenderSystem)) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"Error sending message"}, f.renderer.visible(chat.SenderSystem))
	assert.Empty(t, f.renderer.visible(chat.SenderBot))
}

func TestSessionCloseStopsReconnecting(t *testing.T) {
	conn := newFakeConn()
	f := newSessionFixture(t, conn)
	f.expect(t, chat.StatusConnected)

	require.NoError(t, f.session.Close())
	f.expect(t, chat.StatusDisconnected)

	assert.Zero(t, f.clock.Pending())
	assert.Equal(t, chat.ConnClosed, f.session.State())
	assert.True(t, conn.isClosed())

	next := newFakeConn()
	f.dialer.queue(next)
	f.session.Reconnect()
	f.expect(t, chat.StatusConnected)
}

func TestSessionReconnectAfterExhaustion(t *testing.T) {
	f := newSessionFixture(t)
	f.expect(t, chat.StatusError, chat.StatusDisconnected)
	for i := 0; i < 5; i++ {
		f.fireReconnect(t)
		f.expect(t, chat.StatusReconnecting, chat.StatusError, chat.StatusDisconnected)
	}
	f.expect(t, chat.StatusFailed)

	f.dialer.queue(newFakeConn())
	f.session.Reconnect()
	f.expect(t, chat.StatusConnected)
}

func TestSessionDisposeCancelsScheduledTasks(t *testing.T) {
	t.Run("Reconnect delay", func(t *testing.T) {
		f := newSessionFixture(t)
		f.expect(t, chat.StatusError, chat.StatusDisconnected)
		require.Eventually(t, func() bool { return f.clock.Pending() == 1 }, waitFor, tick)

		f.session.Dispose()

		assert.Zero(t, f.clock.Pending())
		f.clock.Advance(time.Minute)
		assert.Equal(t, 1, f.dialer.dialCount())
		select {
		case <-f.session.Done():
		default:
			t.Fatal("event loop still running")
		}
	})

	t.Run("Thinking animation", func(t *testing.T) {
		conn := newFakeConn()
		f := newSessionFixture(t, conn)
		f.expect(t, chat.StatusConnected)
		f.session.Send("hi")
		require.Eventually(t, func() bool { return f.clock.Pending() == 1 }, waitFor, tick)

		f.session.Dispose()

		assert.Zero(t, f.clock.Pending())
		assert.True(t, conn.isClosed())
		assert.Equal(t, chat.ConnClosed, f.session.State())
	})
}

func TestSessionLifecycleErrors(t *testing.T) {
	s := chat.NewSession(chat.DefaultConfig(), &fakeDialer{}, newRecordingRenderer(), chat.WithClock(&manualClock{}))
	require.NoError(t, s.Open(context.Background()))
	assert.Error(t, s.Open(context.Background()))

	s.Dispose()
	s.Dispose()
	assert.Error(t, s.Open(context.Background()))

	unopened := chat.NewSession(chat.DefaultConfig(), &fakeDialer{}, newRecordingRenderer())
	unopened.Dispose()
	<-unopened.Done()
}

func TestSessionOpenContextCancelDisposes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := chat.NewSession(chat.DefaultConfig(), &fakeDialer{}, newRecordingRenderer(), chat.WithClock(&manualClock{}))
	require.NoError(t, s.Open(ctx))

	cancel()

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session not disposed after context cancellation")
	}
}

func TestSessionDisconnectEndsTurn(t *testing.T) {
	t.Run("Thinking", func(t *testing.T) {
		conn := newFakeConn()
		f := newSessionFixture(t, conn)
		f.expect(t, chat.StatusConnected)
		f.session.Send("hi")
		require.Eventually(t, func() bool { return f.clock.Pending() == 1 }, waitFor, tick)

		conn.Close()
		f.expect(t, chat.StatusDisconnected)

		assert.Empty(t, f.renderer.visible(chat.SenderBot))
		// Only the reconnect delay is left; the animation tick is gone.
		require.Eventually(t, func() bool { return f.clock.Pending() == 1 }, waitFor, tick)
		f.clock.Advance(time.Second)
		assert.Empty(t, f.renderer.visible(chat.SenderBot))
	})

	t.Run("Streaming", func(t *testing.T) {
		conn := newFakeConn()
		f := newSessionFixture(t, conn)
		f.expect(t, chat.StatusConnected)
		f.session.Send("hi")
		require.Eventually(t, func() bool { return len(conn.writes()) == 1 }, waitFor, tick)
		conn.in <- []byte(`{"role":"assistant","content":"Hel"}`)
		require.Eventually(t, func() bool {
			return len(f.renderer.visible(chat.SenderBot)) == 1
		}, waitFor, tick)

		conn.Close()
		f.expect(t, chat.StatusDisconnected)

		// The partial reply stays on screen.
		assert.Equal(t, []string{"Hel"}, f.renderer.visible(chat.SenderBot))
	})
}

func TestSessionCloseThenReconnect(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	f := newSessionFixture(t, first, second)
	f.expect(t, chat.StatusConnected)

	require.NoError(t, f.session.Close())
	f.session.Reconnect()

	f.expect(t, chat.StatusDisconnected, chat.StatusConnected)
	assert.True(t, first.isClosed())
	assert.Equal(t, 2, f.dialer.dialCount())

	// The read error of the first connection does not tear down the second.
	assert.Never(t, func() bool { return len(f.statuses) > 0 }, 50*time.Millisecond, tick)
	assert.Equal(t, chat.ConnOpen, f.session.State())
	assert.False(t, second.isClosed())
}

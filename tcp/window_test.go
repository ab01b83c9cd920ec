package tcp

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/lightos/errno"
	"github.com/yanet-platform/lightos/runtime"
)

var (
	windowTestLocal  = netip.MustParseAddrPort("10.0.0.1:1234")
	windowTestRemote = netip.MustParseAddrPort("10.0.0.2:80")
)

// TestHandleAckAppliesWindowUpdateRule exercises RFC 793 §3.9's window
// update check directly against Socket.sndWl1/sndWl2, independent of any
// wire bridging: a segment only ever moves sndWnd when it is at least as
// new, by (seq, ack), as whichever segment set the window last.
func TestHandleAckAppliesWindowUpdateRule(t *testing.T) {
	clock := runtime.NewClock()
	clock.Freeze()

	sock := newSocket(nil, clock, windowTestLocal, windowTestRemote, 1000, time.Minute)
	sock.state = StateEstablished

	cases := []struct {
		name             string
		seq, ack         uint32
		window           uint16
		wantWnd          uint32
		wantWl1, wantWl2 uint32
	}{
		{"first segment always updates the window", 5000, 1000, 500, 500, 5000, 1000},
		{"an older seq is ignored", 4000, 1000, 65535, 500, 5000, 1000},
		{"same seq with ack tied to wl2 still updates", 5000, 1000, 1000, 1000, 5000, 1000},
		{"a newer seq updates even with the same ack", 5001, 1000, 2000, 2000, 5001, 1000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sock.handleAck(Header{Seq: tc.seq, Ack: tc.ack, Window: tc.window, Flags: FlagACK})
			require.EqualValues(t, tc.wantWnd, sock.sndWnd)
			require.EqualValues(t, tc.wantWl1, sock.sndWl1)
			require.EqualValues(t, tc.wantWl2, sock.sndWl2)
		})
	}
}

// TestCheckPersistTimeoutFailsConnectionAfterBound confirms a peer
// advertising a zero window does not stall the connection forever: once
// the stall outlasts the RTO estimator's upper clamp, the connection is
// declared dead rather than left to hang.
func TestCheckPersistTimeoutFailsConnectionAfterBound(t *testing.T) {
	clock := runtime.NewClock()
	clock.Freeze()

	sock := newSocket(nil, clock, windowTestLocal, windowTestRemote, 1000, time.Minute)
	sock.rtoEst = newRTOEstimator(10*time.Millisecond, 50*time.Millisecond)
	sock.state = StateEstablished
	sock.sndWnd = 0
	sock.retransmitQ = []*segment{{seq: 1000, data: []byte("x")}}

	require.False(t, sock.checkPersistTimeout(), "must not fail the instant the window closes")
	require.NotZero(t, sock.persistSince)

	clock.Advance(40 * time.Millisecond)
	require.False(t, sock.checkPersistTimeout(), "must not fail before the bound elapses")
	require.Equal(t, StateEstablished, sock.state)

	clock.Advance(20 * time.Millisecond)
	require.True(t, sock.checkPersistTimeout())
	require.Equal(t, StateClosed, sock.state)
	require.True(t, errno.Is(sock.err, errno.ETIMEDOUT))
}

// TestCheckPersistTimeoutResetsWhenWindowOpens confirms a window that
// reopens before the bound elapses clears the stall clock entirely,
// rather than counting cumulative zero-window time across openings.
func TestCheckPersistTimeoutResetsWhenWindowOpens(t *testing.T) {
	clock := runtime.NewClock()
	clock.Freeze()

	sock := newSocket(nil, clock, windowTestLocal, windowTestRemote, 1000, time.Minute)
	sock.rtoEst = newRTOEstimator(10*time.Millisecond, 50*time.Millisecond)
	sock.state = StateEstablished
	sock.sndWnd = 0
	sock.retransmitQ = []*segment{{seq: 1000, data: []byte("x")}}

	require.False(t, sock.checkPersistTimeout())
	clock.Advance(45 * time.Millisecond)

	sock.sndWnd = 1000
	require.False(t, sock.checkPersistTimeout())
	require.Zero(t, sock.persistSince)

	sock.sndWnd = 0
	clock.Advance(45 * time.Millisecond)
	require.False(t, sock.checkPersistTimeout(), "stall must restart from zero, not resume the old clock")
}

// TestCheckPersistTimeoutIgnoresEmptyQueue confirms a zero window with
// nothing pending to send is not a stall at all: there is nothing the
// persist timer needs to protect against.
func TestCheckPersistTimeoutIgnoresEmptyQueue(t *testing.T) {
	clock := runtime.NewClock()
	clock.Freeze()

	sock := newSocket(nil, clock, windowTestLocal, windowTestRemote, 1000, time.Minute)
	sock.rtoEst = newRTOEstimator(10*time.Millisecond, 50*time.Millisecond)
	sock.state = StateEstablished
	sock.sndWnd = 0

	require.False(t, sock.checkPersistTimeout())
	clock.Advance(time.Second)
	require.False(t, sock.checkPersistTimeout())
	require.Equal(t, StateEstablished, sock.state)
}

// TestScheduleAckDelaysDataAcks pins the two ack-scheduling classes
// down: plain data arms the delayed-ack timer, while a
// window-significant event (FIN, handshake completion) marks the ack
// immediate and the deadline irrelevant.
func TestScheduleAckDelaysDataAcks(t *testing.T) {
	clock := runtime.NewClock()
	clock.Freeze()

	sock := newSocket(nil, clock, windowTestLocal, windowTestRemote, 1000, time.Minute)
	sock.mu.Lock()
	defer sock.mu.Unlock()

	sock.scheduleAck(false)
	require.True(t, sock.ackPending)
	require.False(t, sock.ackImmediate)
	require.Equal(t, clock.Now()+int64(sock.delayedACK), sock.ackDeadline)

	// A second data arrival while an ack is already owed keeps the
	// original deadline: the timer is not pushed back.
	deadline := sock.ackDeadline
	clock.Advance(time.Millisecond)
	sock.scheduleAck(false)
	require.Equal(t, deadline, sock.ackDeadline)

	sock.scheduleAck(true)
	require.True(t, sock.ackImmediate)
}

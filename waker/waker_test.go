package waker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotifyRequiresInitialized(t *testing.T) {
	p := NewPage()
	p.Notify(3)
	require.Zero(t, p.DrainNotified(), "notify on an uninitialized slot must be dropped")

	p.Init(3)
	p.Notify(3)
	require.Equal(t, uint64(1<<3), p.DrainNotified())
}

func TestDrainNotifiedReadsAndZeroes(t *testing.T) {
	p := NewPage()
	p.Init(0)
	p.Init(5)
	p.Notify(0)
	p.Notify(5)

	got := p.DrainNotified()
	require.Equal(t, uint64(1<<0|1<<5), got)
	require.Zero(t, p.DrainNotified())
}

func TestClearDropsNotification(t *testing.T) {
	p := NewPage()
	p.Init(1)
	p.Notify(1)
	p.Clear(1)
	require.Zero(t, p.DrainNotified())
	require.False(t, p.IsInitialized(1))
}

func TestWakerRefcountFreesAtZero(t *testing.T) {
	p := NewPage()
	p.Init(0)

	w1 := New(p, 0)
	w2 := w1.Clone()
	require.True(t, p.Live())

	w1.Drop()
	require.True(t, p.Live())

	w2.Drop()
	require.False(t, p.Live())
}

package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignal(t *testing.T) {
	ctx := context.Background()
	s := newSignal()

	require.False(t, s.Wait(ctx, 10*time.Millisecond), "an unmarked signal times out")

	s.Set()
	require.True(t, s.Wait(ctx, 10*time.Millisecond))
	require.False(t, s.Wait(ctx, 10*time.Millisecond), "wait consumes the mark")

	s.Set()
	s.Set()
	require.True(t, s.Wait(ctx, 10*time.Millisecond))
	require.False(t, s.Wait(ctx, 10*time.Millisecond), "repeated sets collapse into one mark")

	s.Set()
	s.Clear()
	require.False(t, s.Wait(ctx, 10*time.Millisecond), "clear drops the pending mark")
}

func TestSignalWakesWaiter(t *testing.T) {
	s := newSignal()
	done := make(chan bool, 1)
	go func() { done <- s.Wait(context.Background(), recvTimeout) }()
	s.Set()
	require.True(t, <-done)
}

func TestSignalHonorsContext(t *testing.T) {
	s := newSignal()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.False(t, s.Wait(ctx, time.Minute), "a finished context unblocks the wait")
}

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventsDeliveredInOrder(t *testing.T) {
	ch := NewChannel()

	ch.Publish(Event{Kind: PayloadStarted})
	ch.Publish(Event{Kind: PayloadReady})
	ch.Publish(Event{Kind: PayloadFinished, ExitCode: 7})
	ch.Publish(Event{Kind: Stopped, Reason: ReasonShutdown})

	var got []Event
	for e := range ch.Events() {
		got = append(got, e)
	}
	require.Len(t, got, 4)
	assert.Equal(t, PayloadStarted, got[0].Kind)
	assert.Equal(t, PayloadReady, got[1].Kind)
	assert.Equal(t, PayloadFinished, got[2].Kind)
	assert.Equal(t, 7, got[2].ExitCode)
	assert.Equal(t, Stopped, got[3].Kind)
	assert.Equal(t, ReasonShutdown, got[3].Reason)
}

func TestExactlyOneTerminalEvent(t *testing.T) {
	ch := NewChannel()
	ch.Publish(Event{Kind: Stopped, Reason: ReasonKilled})
	// Anything after the terminal event is dropped rather than delivered.
	ch.Publish(Event{Kind: Stopped, Reason: ReasonShutdown})
	ch.Publish(Event{Kind: PayloadReady})

	var got []Event
	for e := range ch.Events() {
		got = append(got, e)
	}
	require.Len(t, got, 1)
	assert.Equal(t, ReasonKilled, got[0].Reason)
}

func TestRunToFinishReturnsReason(t *testing.T) {
	ch := NewChannel()
	go func() {
		ch.Publish(Event{Kind: PayloadStarted})
		ch.Publish(Event{Kind: Stopped, Reason: ReasonHangup})
	}()

	reason, err := ch.RunToFinish(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ReasonHangup, reason)
}

func TestRunToFinishTimesOut(t *testing.T) {
	ch := NewChannel()
	_, err := ch.RunToFinish(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRunToFinishHonorsContext(t *testing.T) {
	ch := NewChannel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ch.RunToFinish(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublishDoesNotBlockWithoutObserver(t *testing.T) {
	ch := NewChannel()
	doneCh := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			ch.Publish(Event{Kind: PayloadReady})
		}
		ch.Publish(Event{Kind: Stopped, Reason: ReasonShutdown})
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked without an observer")
	}
}

package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelFIFO(t *testing.T) {
	ch := NewChannel()
	for i := range 5 {
		require.NoError(t, ch.Send(TextDelta{Text: fmt.Sprint(i)}))
	}
	require.Equal(t, 5, ch.Len())
	for i := range 5 {
		ev, ok := ch.TryRecv()
		require.True(t, ok)
		require.Equal(t, TextDelta{Text: fmt.Sprint(i)}, ev)
	}
	_, ok := ch.TryRecv()
	require.False(t, ok)
}

func TestChannelFinished(t *testing.T) {
	ch := NewChannel()
	require.True(t, ch.Finished(), "empty channel without producers is finished")

	release := ch.Acquire()
	require.False(t, ch.Finished())
	require.NoError(t, ch.Send(TextDelta{Text: "a"}))
	release()
	release()
	require.Equal(t, 0, ch.Producers())
	require.False(t, ch.Finished(), "buffered events keep the channel alive")

	_, ok := ch.TryRecv()
	require.True(t, ok)
	require.True(t, ch.Finished())
}

func TestChannelClose(t *testing.T) {
	ch := NewChannel()
	_ = ch.Acquire()
	require.NoError(t, ch.Send(TextDelta{Text: "kept"}))
	ch.Close()
	ch.Close()

	require.ErrorIs(t, ch.Send(TextDelta{Text: "late"}), ErrChannelClosed)
	ev, err := ch.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, TextDelta{Text: "kept"}, ev)
	_, err = ch.Recv(context.Background())
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestChannelRecvHonorsContext(t *testing.T) {
	ch := NewChannel()
	_ = ch.Acquire()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ch.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannelConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	ch := NewChannel()
	const producers, perProducer = 8, 200
	var wg sync.WaitGroup
	for p := range producers {
		release := ch.Acquire()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer release()
			for i := range perProducer {
				assert.NoError(t, ch.Send(TextDelta{Text: fmt.Sprint(i), Origin: fmt.Sprint(p)}))
			}
		}()
	}

	next := make(map[string]int)
	total := 0
	for {
		ev, err := ch.Recv(context.Background())
		if err != nil {
			require.ErrorIs(t, err, ErrChannelClosed)
			break
		}
		td := ev.(TextDelta)
		require.Equal(t, fmt.Sprint(next[td.Origin]), td.Text)
		next[td.Origin]++
		total++
	}
	wg.Wait()
	require.Equal(t, producers*perProducer, total)
}

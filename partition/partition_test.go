package partition

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jagannathes/uplink/point"
)

func TestFillSealsAtCapacity(t *testing.T) {
	sealedCh := make(chan Sealed, 4)
	s := New(sealedCh, map[string]Config{"can": {BufSize: 2}})
	ctx := context.Background()

	require.NoError(t, s.Fill(ctx, "can", point.Point{"stream": "can", "n": 1}))
	select {
	case <-sealedCh:
		t.Fatal("sealed before reaching capacity")
	default:
	}

	require.NoError(t, s.Fill(ctx, "can", point.Point{"stream": "can", "n": 2}))
	select {
	case sealed := <-sealedCh:
		assert.Len(t, sealed.Batch.Points, 2)
		assert.True(t, sealed.Batch.Sealed())
	case <-time.After(time.Second):
		t.Fatal("expected a sealed batch")
	}
}

func TestFillUnconfiguredStreamSealsImmediately(t *testing.T) {
	sealedCh := make(chan Sealed, 4)
	s := New(sealedCh, nil)
	ctx := context.Background()

	require.NoError(t, s.Fill(ctx, "unknown", point.Point{"stream": "unknown"}))
	select {
	case sealed := <-sealedCh:
		assert.Equal(t, "unknown", sealed.Batch.Stream)
		assert.Len(t, sealed.Batch.Points, 1)
	default:
		t.Fatal("expected an immediately sealed single-point batch")
	}
}

func TestFillRespectsContextCancellation(t *testing.T) {
	sealedCh := make(chan Sealed) // unbuffered, no reader
	s := New(sealedCh, map[string]Config{"can": {BufSize: 1}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Fill(ctx, "can", point.Point{"stream": "can"})
	assert.Error(t, err)
}

func TestDrainEmitsOpenNonEmptyBatches(t *testing.T) {
	sealedCh := make(chan Sealed, 4)
	s := New(sealedCh, map[string]Config{"can": {BufSize: 10}})
	ctx := context.Background()

	require.NoError(t, s.Fill(ctx, "can", point.Point{"stream": "can", "n": 1}))
	abandoned := s.Drain(ctx)
	assert.Empty(t, abandoned)

	select {
	case sealed := <-sealedCh:
		assert.Len(t, sealed.Batch.Points, 1)
	default:
		t.Fatal("expected Drain to emit the partially filled batch")
	}
}

func TestDrainSkipsEmptyBatches(t *testing.T) {
	sealedCh := make(chan Sealed, 4)
	s := New(sealedCh, map[string]Config{"can": {BufSize: 10}})

	// newBatch is only created lazily by Fill, so an untouched Set has
	// nothing to drain.
	abandoned := s.Drain(context.Background())
	assert.Empty(t, abandoned)
	assert.Empty(t, sealedCh)
}

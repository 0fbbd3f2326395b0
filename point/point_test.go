package point

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	p, err := Decode([]byte(`{"stream":"can","speed":42}`))
	require.NoError(t, err)

	stream, err := p.Stream()
	require.NoError(t, err)
	assert.Equal(t, "can", stream)
	assert.EqualValues(t, 42, p["speed"])
}

func TestDecodeMissingStream(t *testing.T) {
	_, err := Decode([]byte(`{"speed":42}`))
	assert.ErrorIs(t, err, ErrNoStream)
}

func TestDecodeEmptyStream(t *testing.T) {
	_, err := Decode([]byte(`{"stream":""}`))
	assert.ErrorIs(t, err, ErrNoStream)
}

func TestBatchAppendSeals(t *testing.T) {
	b := NewBatch("can", 0, 2)

	assert.False(t, b.Append(Point{"stream": "can", "n": 1}))
	assert.True(t, b.Append(Point{"stream": "can", "n": 2}))
	assert.True(t, b.Sealed())
}

func TestBatchAppendAfterSealPanics(t *testing.T) {
	b := NewBatch("can", 0, 1)
	require.True(t, b.Append(Point{"stream": "can"}))

	assert.Panics(t, func() {
		b.Append(Point{"stream": "can"})
	})
}

func TestBatchSerialize(t *testing.T) {
	b := NewBatch("can", 0, 2)
	b.Append(Point{"stream": "can", "n": float64(1)})

	out, err := b.Serialize()
	require.NoError(t, err)
	assert.JSONEq(t, `[{"stream":"can","n":1}]`, string(out))
}

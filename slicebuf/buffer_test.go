package slicebuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_AppendTake(t *testing.T) {
	var b Buffer
	b.Append([]byte(`hello`))
	b.Append(nil)
	b.Append([]byte(` world`))
	require.Equal(t, 2, b.Count())
	require.Equal(t, 11, b.Length())

	assert.Equal(t, []byte(`hello`), b.TakeFirst())
	assert.Equal(t, 6, b.Length())
	assert.Equal(t, []byte(` world`), b.Bytes())
	assert.Equal(t, []byte(` world`), b.TakeFirst())
	assert.Nil(t, b.TakeFirst())
}

func TestBuffer_MoveFirstNBytesInto(t *testing.T) {
	var src, dst Buffer
	src.Append([]byte(`abc`))
	src.Append([]byte(`defgh`))

	src.MoveFirstNBytesInto(5, &dst)
	assert.Equal(t, []byte(`abcde`), dst.Bytes())
	assert.Equal(t, []byte(`fgh`), src.Bytes())
	assert.Equal(t, 3, src.Length())

	// appending to the moved prefix must not clobber the source
	dst.slices[1] = append(dst.slices[1], 'X')
	assert.Equal(t, []byte(`fgh`), src.Bytes())

	assert.Panics(t, func() { src.MoveFirstNBytesInto(4, &dst) })
}

func TestBuffer_RemoveLastNBytes(t *testing.T) {
	var b Buffer
	b.Append([]byte(`abc`))
	b.Append([]byte(`de`))
	b.RemoveLastNBytes(3)
	assert.Equal(t, []byte(`ab`), b.Bytes())
	assert.Equal(t, 1, b.Count())
	assert.Panics(t, func() { b.RemoveLastNBytes(3) })
}

func TestBuffer_RemoveLastNBytesInto(t *testing.T) {
	var b, spare Buffer
	spare.Append([]byte(`z`))
	b.Append([]byte(`abc`))
	b.Append([]byte(`def`))
	b.RemoveLastNBytesInto(4, &spare)
	assert.Equal(t, []byte(`ab`), b.Bytes())
	assert.Equal(t, []byte(`cdefz`), spare.Bytes())
	assert.Equal(t, 3, spare.Count())

	// appending to the trimmed slice must not clobber the moved bytes
	b.slices[0] = append(b.slices[0], 'X')
	assert.Equal(t, []byte(`cdefz`), spare.Bytes())
}

func TestBuffer_SwapClearPrepend(t *testing.T) {
	var a, b Buffer
	a.Append([]byte(`a`))
	b.Append([]byte(`bb`))
	a.Swap(&b)
	assert.Equal(t, 2, a.Length())
	assert.Equal(t, 1, b.Length())

	a.Prepend([]byte(`x`))
	assert.Equal(t, []byte(`xbb`), a.Bytes())

	a.Clear()
	assert.Equal(t, 0, a.Length())
	assert.Equal(t, 0, a.Count())
}

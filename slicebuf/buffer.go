// Package slicebuf provides Buffer, an ordered list of byte slices, used to
// pass data into and out of endpoints without copying.
package slicebuf

// Buffer is an ordered list of byte slices. The zero value is ready to use.
//
// Buffer is not safe for concurrent use.
type Buffer struct {
	slices [][]byte
	length int
}

// Append adds b to the end of the buffer. The buffer retains b.
func (x *Buffer) Append(b []byte) {
	if len(b) == 0 {
		return
	}
	x.slices = append(x.slices, b)
	x.length += len(b)
}

// Prepend adds b to the front of the buffer.
func (x *Buffer) Prepend(b []byte) {
	if len(b) == 0 {
		return
	}
	x.slices = append(x.slices, nil)
	copy(x.slices[1:], x.slices)
	x.slices[0] = b
	x.length += len(b)
}

// Length returns the total number of bytes.
func (x *Buffer) Length() int { return x.length }

// Count returns the number of slices.
func (x *Buffer) Count() int { return len(x.slices) }

// RefSlice returns the i-th slice without copying.
func (x *Buffer) RefSlice(i int) []byte { return x.slices[i] }

// Slices returns the underlying slices. The result must not be modified.
func (x *Buffer) Slices() [][]byte { return x.slices }

// TakeFirst removes and returns the first slice.
func (x *Buffer) TakeFirst() []byte {
	if len(x.slices) == 0 {
		return nil
	}
	b := x.slices[0]
	x.slices[0] = nil
	x.slices = x.slices[1:]
	x.length -= len(b)
	return b
}

// RemoveLastNBytes drops n bytes from the end of the buffer.
func (x *Buffer) RemoveLastNBytes(n int) {
	if n > x.length {
		panic(`slicebuf: remove beyond length`)
	}
	for n > 0 {
		last := len(x.slices) - 1
		b := x.slices[last]
		if len(b) <= n {
			n -= len(b)
			x.length -= len(b)
			x.slices[last] = nil
			x.slices = x.slices[:last]
			continue
		}
		x.slices[last] = b[:len(b)-n]
		x.length -= n
		n = 0
	}
}

// RemoveLastNBytesInto moves the last n bytes to the front of dst.
func (x *Buffer) RemoveLastNBytesInto(n int, dst *Buffer) {
	if n > x.length {
		panic(`slicebuf: remove beyond length`)
	}
	for n > 0 {
		last := len(x.slices) - 1
		b := x.slices[last]
		if len(b) <= n {
			dst.Prepend(b)
			n -= len(b)
			x.length -= len(b)
			x.slices[last] = nil
			x.slices = x.slices[:last]
			continue
		}
		keep := len(b) - n
		dst.Prepend(b[keep:])
		x.slices[last] = b[:keep:keep]
		x.length -= n
		n = 0
	}
}

// MoveFirstNBytesInto moves the first n bytes into dst, splitting a slice if
// required.
func (x *Buffer) MoveFirstNBytesInto(n int, dst *Buffer) {
	if n > x.length {
		panic(`slicebuf: move beyond length`)
	}
	for n > 0 {
		b := x.slices[0]
		if len(b) <= n {
			dst.Append(x.TakeFirst())
			n -= len(b)
			continue
		}
		dst.Append(b[:n:n])
		x.slices[0] = b[n:]
		x.length -= n
		n = 0
	}
}

// Swap exchanges the contents of the two buffers.
func (x *Buffer) Swap(other *Buffer) {
	*x, *other = *other, *x
}

// Clear removes all slices.
func (x *Buffer) Clear() {
	clear(x.slices)
	x.slices = x.slices[:0]
	x.length = 0
}

// Bytes returns a copy of the contents as a single slice.
func (x *Buffer) Bytes() []byte {
	out := make([]byte, 0, x.length)
	for _, b := range x.slices {
		out = append(out, b...)
	}
	return out
}

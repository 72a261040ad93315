// Package tcp implements a posix stream socket endpoint on top of a poller,
// with adaptive read sizing, zero-copy sends, and kernel transmit timestamps
// where the platform supports them.
package tcp

import (
	"time"
)

const (
	DefaultZerocopySendBytesThreshold   = 16 * 1024
	DefaultZerocopyMaxSimultaneousSends = 4
	DefaultReadChunkSize                = 8 * 1024
	DefaultMinReadChunkSize             = 256
	DefaultMaxReadChunkSize             = 4 * 1024 * 1024
	DefaultTracedBufferTimeout          = 10 * time.Second

	// MaxWriteIovec bounds the slices passed to a single sendmsg.
	MaxWriteIovec = 260
	// MaxReadIovec bounds the slices passed to a single recvmsg.
	MaxReadIovec = 4
)

// Allocator tracks memory reserved for read buffers.
type Allocator interface {
	Reserve(n int)
	Release(n int)
}

// NoopAllocator is an Allocator that tracks nothing.
type NoopAllocator struct{}

func (NoopAllocator) Reserve(int) {}
func (NoopAllocator) Release(int) {}

// Config tunes an Endpoint. Unset fields take their defaults.
type Config struct {
	// Allocator is charged for read buffers. Defaults to NoopAllocator.
	Allocator Allocator

	// ZerocopyEnabled requests MSG_ZEROCOPY sends. It only takes effect when
	// the poller tracks errors and the socket accepts SO_ZEROCOPY.
	ZerocopyEnabled bool
	// Writes larger than this use the zero-copy path.
	ZerocopySendBytesThreshold int
	// Maximum zero-copy writes awaiting kernel completion.
	ZerocopyMaxSimultaneousSends int

	// Initial read target.
	ReadChunkSize    int
	MinReadChunkSize int
	MaxReadChunkSize int

	// FrameSizeTuning honours ReadArgs.ReadHintBytes, delaying the read
	// callback until that many bytes are available.
	FrameSizeTuning bool

	// TracedBufferTimeout evicts timestamp entries that saw no kernel
	// notification for this long.
	TracedBufferTimeout time.Duration
}

// DefaultConfig returns the default endpoint configuration.
func DefaultConfig() Config {
	return Config{
		Allocator:                    NoopAllocator{},
		ZerocopySendBytesThreshold:   DefaultZerocopySendBytesThreshold,
		ZerocopyMaxSimultaneousSends: DefaultZerocopyMaxSimultaneousSends,
		ReadChunkSize:                DefaultReadChunkSize,
		MinReadChunkSize:             DefaultMinReadChunkSize,
		MaxReadChunkSize:             DefaultMaxReadChunkSize,
		TracedBufferTimeout:          DefaultTracedBufferTimeout,
	}
}

// normalize fills unset fields with defaults.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.Allocator == nil {
		c.Allocator = d.Allocator
	}
	if c.ZerocopySendBytesThreshold <= 0 {
		c.ZerocopySendBytesThreshold = d.ZerocopySendBytesThreshold
	}
	if c.ZerocopyMaxSimultaneousSends <= 0 {
		c.ZerocopyMaxSimultaneousSends = d.ZerocopyMaxSimultaneousSends
	}
	if c.ReadChunkSize <= 0 {
		c.ReadChunkSize = d.ReadChunkSize
	}
	if c.MinReadChunkSize <= 0 {
		c.MinReadChunkSize = d.MinReadChunkSize
	}
	if c.MaxReadChunkSize <= 0 {
		c.MaxReadChunkSize = d.MaxReadChunkSize
	}
	if c.MaxReadChunkSize < c.MinReadChunkSize {
		c.MaxReadChunkSize = c.MinReadChunkSize
	}
	if c.TracedBufferTimeout <= 0 {
		c.TracedBufferTimeout = d.TracedBufferTimeout
	}
	return c
}

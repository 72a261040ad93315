package status

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Is(t *testing.T) {
	err := CancelledError(`timer cancelled`)
	assert.True(t, errors.Is(err, New(Cancelled, ``)))
	assert.True(t, errors.Is(err, New(Cancelled, `timer cancelled`)))
	assert.False(t, errors.Is(err, New(Cancelled, `other`)))
	assert.False(t, errors.Is(err, New(DeadlineExceeded, ``)))

	wrapped := fmt.Errorf(`outer: %w`, err)
	assert.True(t, errors.Is(wrapped, New(Cancelled, ``)))
	assert.Equal(t, Cancelled, CodeOf(wrapped))
	assert.True(t, Is(wrapped, Cancelled))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, OK, CodeOf(nil))
	assert.Equal(t, Unknown, CodeOf(errors.New(`plain`)))
	assert.Equal(t, Unimplemented, CodeOf(UnimplementedError(`dns`)))
}

func TestError_WithContext(t *testing.T) {
	err := UnavailableError(`Socket closed`).
		WithContext(`target_address`, `127.0.0.1:80`).
		WithContext(`fd`, 7)
	assert.Equal(t, `UNAVAILABLE: Socket closed {fd=7, target_address=127.0.0.1:80}`, err.Error())
	assert.Equal(t, `Socket closed`, Message(err))
}

func TestFromErrno(t *testing.T) {
	err := FromErrno(`sendmsg`, syscall.EPIPE)
	require.NotNil(t, err)
	assert.Equal(t, Internal, err.Code)
	assert.Equal(t, `sendmsg: `+syscall.EPIPE.Error(), err.Message)
	assert.True(t, errors.Is(err, syscall.EPIPE))
	assert.Equal(t, int(syscall.EPIPE), err.Context[`errno`])

	other := FromErrno(`recvmsg`, errors.New(`boom`))
	assert.Equal(t, `recvmsg: boom`, other.Message)

	assert.Equal(t, `getsockopt`, FromErrno(`getsockopt`, nil).Message)
}

func TestErrorf(t *testing.T) {
	cause := errors.New(`cause`)
	err := Errorf(Internal, `failed %d times: %w`, 3, cause)
	assert.Equal(t, `failed 3 times: cause`, err.Message)
	assert.ErrorIs(t, err, cause)
}

func TestCode_String(t *testing.T) {
	assert.Equal(t, `DEADLINE_EXCEEDED`, DeadlineExceeded.String())
	assert.Equal(t, `CODE(99)`, Code(99).String())
}

package errd

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/wirekit/ws/internal/test/assert"
)

func TestWrap(t *testing.T) {
	t.Parallel()

	t.Run("nil", func(t *testing.T) {
		t.Parallel()

		var err error
		Wrap(&err, "failed to %v", "read")
		assert.Success(t, err)
	})

	t.Run("wrapped", func(t *testing.T) {
		t.Parallel()

		err := io.ErrUnexpectedEOF
		Wrap(&err, "failed to %v", "read")
		assert.Equal(t, "msg", "failed to read: unexpected EOF", err.Error())
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("expected wrapped io.ErrUnexpectedEOF: %v", err)
		}
	})

	t.Run("repeated", func(t *testing.T) {
		t.Parallel()

		err := io.EOF
		Wrap(&err, "failed to close")
		Wrap(&err, "failed to close")
		assert.Equal(t, "msg", "failed to close: EOF", err.Error())

		Wrap(&err, "failed to shutdown")
		assert.Equal(t, "msg", "failed to shutdown: failed to close: EOF", err.Error())
	})

	t.Run("frames", func(t *testing.T) {
		t.Parallel()

		err := io.EOF
		Wrap(&err, "failed to read")
		assert.Contains(t, fmt.Sprintf("%+v", err), "wrap_test.go")
	})
}

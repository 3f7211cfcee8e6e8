//go:build !windows

package shutdown

import (
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/goatfundr/goatnode/internal/logger"
)

func TestHandleSignals(t *testing.T) {
	var exits atomic.Int32
	c := New(Options{Logger: logger.Discard(), Exit: func(int) { exits.Add(1) }})
	stop := c.HandleSignals()
	defer stop()

	assert.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))
	assert.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGINT))
	assert.Equal(t, 0, waitCode(t, c))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), exits.Load())
}

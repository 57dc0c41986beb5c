//go:build linux

package affinity

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPinCallingThread(t *testing.T) {
	allowed, err := Current()
	require.NoError(t, err)
	require.NotEmpty(t, allowed)
	target := allowed[len(allowed)-1]

	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		// the thread is discarded on exit because it is never unlocked
		if !assert.NoError(t, SetAffinity(target)) {
			return
		}
		got, err := Current()
		assert.NoError(t, err)
		assert.Equal(t, []int{target}, got)
	}()
	<-done
}

func TestSetAffinityRange(t *testing.T) {
	assert.Error(t, SetAffinity(-1))
	assert.Error(t, SetAffinity(MaxCPU))
}

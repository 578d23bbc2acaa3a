package sleep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := Real{}.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRealSleepElapses(t *testing.T) {
	assert.NoError(t, Real{}.Sleep(context.Background(), time.Millisecond))
	assert.NoError(t, Real{}.Sleep(context.Background(), 0))
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	assert.NoError(t, r.Sleep(context.Background(), time.Second))
	assert.NoError(t, r.Sleep(context.Background(), 2*time.Second))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, r.Delays())
	assert.IsType(t, Real{}, OrReal(nil))
	assert.Same(t, r, OrReal(r))
}

package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func units(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("unit-%02d", i)
	}
	return out
}

func TestFailuresAreIsolated(t *testing.T) {
	defer goleak.VerifyNone(t)
	core, logs := observer.New(zap.InfoLevel)
	r := Runner{Workers: 4, Logger: zap.New(core)}

	var ran atomic.Int32
	rep := r.Run(context.Background(), units(10), func(ctx context.Context, unit string) error {
		ran.Add(1)
		switch unit {
		case "unit-03":
			return errors.New("bad brick")
		case "unit-07":
			panic("corrupt file")
		}
		return nil
	})

	assert.Equal(t, int32(10), ran.Load())
	assert.Equal(t, 10, rep.Units)
	assert.Equal(t, 8, rep.Succeeded)
	assert.Equal(t, 2, rep.Failed)
	assert.Equal(t, 0, rep.Skipped)
	require.Len(t, rep.Failures, 2)
	assert.Equal(t, "unit-03", rep.Failures[0].Unit)
	assert.Equal(t, "unit-07", rep.Failures[1].Unit)
	var pe PanicError
	assert.True(t, errors.As(rep.Failures[1].Err, &pe))
	assert.Error(t, rep.Err())
	assert.Equal(t, 2, logs.FilterMessage("unit failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("batch finished").Len())
}

func TestAllSucceed(t *testing.T) {
	defer goleak.VerifyNone(t)
	rep := Runner{}.Run(context.Background(), units(3), func(ctx context.Context, unit string) error { return nil })
	assert.Equal(t, 3, rep.Succeeded)
	assert.NoError(t, rep.Err())
}

func TestWorkerLimit(t *testing.T) {
	defer goleak.VerifyNone(t)
	var cur, peak atomic.Int32
	block := make(chan struct{})
	done := make(chan Report)
	go func() {
		done <- Runner{Workers: 2}.Run(context.Background(), units(6), func(ctx context.Context, unit string) error {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-block
			cur.Add(-1)
			return nil
		})
	}()
	close(block)
	rep := <-done
	assert.Equal(t, 6, rep.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestCancelSkipsRemaining(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	rep := Runner{Workers: 1}.Run(ctx, units(5), func(ctx context.Context, unit string) error {
		if unit == "unit-01" {
			cancel()
		}
		return nil
	})
	assert.Equal(t, 2, rep.Succeeded)
	assert.Equal(t, 3, rep.Skipped)
	assert.Equal(t, 0, rep.Failed)
}

package coarsetime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNow(t *testing.T) {
	require.WithinDuration(t, time.Now(), Now(), 5*resolution)

	first := Now()
	require.Eventually(t, func() bool {
		return Now().After(first)
	}, time.Second, resolution)
}

func TestSince(t *testing.T) {
	require.Zero(t, Since(time.Now().Add(time.Hour)))
	require.GreaterOrEqual(t, Since(time.Now().Add(-time.Minute)), 59*time.Second)
}

func BenchmarkTimeNow(b *testing.B) {
	var t time.Time

	b.Run("time", func(b *testing.B) {
		for b.Loop() {
			t = time.Now()
		}
	})

	b.Run("coarsetime", func(b *testing.B) {
		for b.Loop() {
			t = Now()
		}
	})

	_ = t
}

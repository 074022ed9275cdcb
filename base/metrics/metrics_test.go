package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBumpWithoutAgent(t *testing.T) {
	met := New("test", WithoutPodName())

	assert.NotPanics(t, func() {
		met.BumpSum("bid.accepted", 1, "reason", "ok")
		met.BumpAvg("cascade.steps", 3)
		met.BumpHistogram("bytes", 128)
		met.BumpTime("time", "func", "accept").End()
	})
	_, isLog := statsClient().(debugClient)
	assert.True(t, isLog)
}

func TestOddTagsDoNotPanic(t *testing.T) {
	met := New("test")
	assert.NotPanics(t, func() {
		met.BumpSum("bid.rejected", 1, "reason")
	})
}

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObservationResult_HasCue(t *testing.T) {
	result := &ObservationResult{Cues: []Cue{CueVisual}}

	assert.True(t, result.HasCue(CueVisual))
	assert.False(t, result.HasCue(CueAudio))

	empty := &ObservationResult{}
	assert.False(t, empty.HasCue(CueVisual))
	assert.False(t, empty.HasCue(CueAudio))
}

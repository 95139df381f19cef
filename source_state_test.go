package boardcount

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSourceStateString(t *testing.T) {
	assert.Equal(t, "Inactive", Inactive.String())
	assert.Equal(t, "Stopping", Stopping.String())
	assert.Equal(t, "SourceState(9)", SourceState(9).String())
}

func TestAnySourceTransitions(t *testing.T) {
	as := &anySource{name: "TEST"}
	assert.Equal(t, Inactive, as.GetState())
	assert.Error(t, as.Stop(), "stopping an inactive source")

	assert.NoError(t, as.setStateStarting())
	assert.Error(t, as.setStateStarting(), "starting twice")
	assert.Error(t, as.Stop(), "stopping a starting source")

	as.runDoneActivate()
	assert.Equal(t, Active, as.GetState())
	assert.False(t, as.aborted())
	done := make(chan struct{})
	go func() {
		<-as.abortSelf
		as.runDoneDeactivate()
		close(done)
	}()
	assert.NoError(t, as.Stop())
	<-done
	assert.Equal(t, Inactive, as.GetState())
	assert.True(t, as.aborted())

	as.setStateStarting()
	as.setStateInactive()
	assert.Equal(t, Inactive, as.GetState())
}

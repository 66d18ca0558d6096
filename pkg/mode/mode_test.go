package mode

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	mcp25xxfd "github.com/samsamfire/gomcp25xxfd"
	"github.com/samsamfire/gomcp25xxfd/pkg/reg"
	"github.com/samsamfire/gomcp25xxfd/pkg/spi"
	"github.com/samsamfire/gomcp25xxfd/pkg/transport/virtual"
)

func newController(t *testing.T) (*Controller, *virtual.Chip) {
	t.Helper()
	chip := virtual.NewChip()
	controller := NewController(reg.NewFile(spi.NewClient(chip)))
	controller.sleep = func(time.Duration) {}
	return controller, chip
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "CONFIGURATION", Configuration.String())
	assert.Equal(t, "NORMAL FD", NormalFD.String())
	assert.Equal(t, "UNKNOWN (12)", Mode(12).String())
}

func TestConfirmBeforeTransitionReturnsOldMode(t *testing.T) {
	controller, chip := newController(t)
	chip.SetModeLatency(2)

	assert.Nil(t, controller.Request(NormalFD))

	// The chip has not switched yet, the caller keeps polling.
	current, err := controller.Confirm()
	assert.Nil(t, err)
	assert.Equal(t, Configuration, current)

	current, err = controller.Confirm()
	assert.Nil(t, err)
	assert.Equal(t, Configuration, current)

	current, err = controller.Confirm()
	assert.Nil(t, err)
	assert.Equal(t, NormalFD, current)
}

func TestWaitPollsUntilTransition(t *testing.T) {
	controller, chip := newController(t)
	chip.SetModeLatency(3)

	assert.Nil(t, controller.Wait(InternalLoopback))

	current, err := controller.Confirm()
	assert.Nil(t, err)
	assert.Equal(t, InternalLoopback, current)
}

func TestWaitTimesOut(t *testing.T) {
	controller, chip := newController(t)
	chip.SetModeLatency(100)

	err := controller.Wait(NormalFD)
	assert.True(t, errors.Is(err, mcp25xxfd.ErrInvalidModeTransition))
}

func TestWaitPropagatesBusError(t *testing.T) {
	controller, chip := newController(t)
	chip.FailNext(errors.New("link down"))

	err := controller.Wait(NormalFD)
	assert.True(t, errors.Is(err, mcp25xxfd.ErrBus))
}

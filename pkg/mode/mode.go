// Package mode drives the controller's operating mode state machine.
package mode

import (
	"fmt"
	"time"

	mcp25xxfd "github.com/samsamfire/gomcp25xxfd"
	"github.com/samsamfire/gomcp25xxfd/pkg/reg"
)

// Mode is one of the chip's operating modes. Configuration is the only
// mode that accepts FIFO and bit timing writes.
type Mode uint8

const (
	NormalFD         Mode = 0
	Sleep            Mode = 1
	InternalLoopback Mode = 2
	ListenOnly       Mode = 3
	Configuration    Mode = 4
	ExternalLoopback Mode = 5
	NormalClassic    Mode = 6
	Restricted       Mode = 7
)

var modeNames = map[Mode]string{
	NormalFD:         "NORMAL FD",
	Sleep:            "SLEEP",
	InternalLoopback: "INTERNAL LOOPBACK",
	ListenOnly:       "LISTEN ONLY",
	Configuration:    "CONFIGURATION",
	ExternalLoopback: "EXTERNAL LOOPBACK",
	NormalClassic:    "NORMAL CAN 2.0",
	Restricted:       "RESTRICTED",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN (%d)", uint8(m))
}

const (
	maxAttempts  = 5
	pollInterval = 500 * time.Microsecond
)

// Controller requests mode transitions and observes their completion.
// Transitions are asynchronous on the hardware, a request only takes
// effect once the chip is ready to leave its current mode.
type Controller struct {
	file *reg.File

	// Replaceable for tests.
	sleep func(time.Duration)
}

func NewController(file *reg.File) *Controller {
	return &Controller{file: file, sleep: time.Sleep}
}

// Request asks the chip to move to target. It returns as soon as the
// request is written, use Confirm or Wait to observe the transition.
func (c *Controller) Request(target Mode) error {
	return c.file.WriteField(reg.ModeRequest, uint32(target))
}

// Confirm reads the mode the chip is currently in.
func (c *Controller) Confirm() (Mode, error) {
	status, err := c.file.ReadField(reg.ModeStatus)
	if err != nil {
		return 0, err
	}
	return Mode(status), nil
}

// Wait requests target and polls until the chip reports it. Transitions
// the chip refuses, such as leaving sleep directly for configuration,
// surface as ErrInvalidModeTransition once the polls are exhausted.
func (c *Controller) Wait(target Mode) error {
	if err := c.Request(target); err != nil {
		return err
	}

	var current Mode
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var err error
		current, err = c.Confirm()
		if err != nil {
			return err
		}
		if current == target {
			return nil
		}
		c.sleep(pollInterval)
	}
	return fmt.Errorf("%w: requested %v, chip still in %v", mcp25xxfd.ErrInvalidModeTransition, target, current)
}

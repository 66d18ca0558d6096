// canbridge forwards classic CAN frames between a socketcan interface
// and a controller hanging off a serial spi bridge. Useful to join a
// bench setup to a real vehicle bus.
package main

import (
	"flag"
	"time"

	sockcan "github.com/brutella/can"
	log "github.com/sirupsen/logrus"

	mcp25xxfd "github.com/samsamfire/gomcp25xxfd"
	"github.com/samsamfire/gomcp25xxfd/pkg/config"
	"github.com/samsamfire/gomcp25xxfd/pkg/device"
	"github.com/samsamfire/gomcp25xxfd/pkg/fifo"
	"github.com/samsamfire/gomcp25xxfd/pkg/mode"
	"github.com/samsamfire/gomcp25xxfd/pkg/transport/serialbridge"
)

var DEFAULT_CAN_INTERFACE = "can0"
var DEFAULT_PORT = "/dev/ttyACM0"
var DEFAULT_BAUD = 115200
var DEFAULT_SETTINGS = "device.ini"

const extendedIDFlag = 0x80000000

type forwarder struct {
	dev     *device.Device
	txFifo  uint8
	dropped int
}

// Handle implements the brutella/can frame handler, pushing socketcan
// traffic towards the controller.
func (f *forwarder) Handle(in sockcan.Frame) {
	var id mcp25xxfd.ID
	var err error
	if in.ID&extendedIDFlag != 0 {
		id, err = mcp25xxfd.NewExtendedID(in.ID &^ extendedIDFlag)
	} else {
		id, err = mcp25xxfd.NewStandardID(in.ID)
	}
	if err != nil {
		log.Warnf("skipping frame with bad id %#x : %v", in.ID, err)
		return
	}

	length := int(in.Length)
	if length > len(in.Data) {
		length = len(in.Data)
	}
	frame, err := mcp25xxfd.NewFrame(id, in.Data[:length])
	if err != nil {
		log.Warnf("skipping frame : %v", err)
		return
	}

	if err := f.dev.Transmit(f.txFifo, &frame); err != nil {
		f.dropped++
		log.Warnf("transmit failed (%d dropped so far) : %v", f.dropped, err)
	}
}

func main() {
	log.SetLevel(log.DebugLevel)
	// Command line arguments
	canInterface := flag.String("i", DEFAULT_CAN_INTERFACE, "socketcan interface e.g. can0,vcan0")
	port := flag.String("p", DEFAULT_PORT, "serial port of the spi bridge")
	baud := flag.Int("b", DEFAULT_BAUD, "baud rate")
	settingsPath := flag.String("c", DEFAULT_SETTINGS, "device settings ini file")
	flag.Parse()

	settings, err := config.Load(*settingsPath)
	if err != nil {
		panic(err)
	}

	var txFifo, rxFifo uint8
	for _, desc := range settings.FIFOs {
		if desc.Direction == fifo.Transmit && txFifo == 0 {
			txFifo = desc.Index
		}
		if desc.Direction == fifo.Receive && rxFifo == 0 {
			rxFifo = desc.Index
		}
	}
	if txFifo == 0 || rxFifo == 0 {
		log.Fatal("settings need at least one transmit and one receive fifo")
	}

	bridge, err := serialbridge.Open(serialbridge.Config{
		Port:        *port,
		Baud:        *baud,
		ReadTimeout: time.Second,
	})
	if err != nil {
		panic(err)
	}
	defer bridge.Close()

	dev := device.New(bridge, nil)
	if err := dev.Reset(); err != nil {
		panic(err)
	}
	if err := dev.Configure(settings); err != nil {
		panic(err)
	}
	// Classic frames only on this path, the socketcan side is CAN 2.0.
	if err := dev.SetMode(mode.NormalClassic); err != nil {
		panic(err)
	}

	bus, err := sockcan.NewBusForInterfaceWithName(*canInterface)
	if err != nil {
		panic(err)
	}
	bus.Subscribe(&forwarder{dev: dev, txFifo: txFifo})
	go func() {
		if err := bus.ConnectAndPublish(); err != nil {
			log.Errorf("socketcan connection lost : %v", err)
		}
	}()

	log.Infof("bridging %s <-> controller (tx fifo %d, rx fifo %d)", *canInterface, txFifo, rxFifo)

	for {
		frame, err := dev.Receive(rxFifo)
		if err != nil {
			log.Errorf("receive failed : %v", err)
			time.Sleep(time.Millisecond)
			continue
		}
		if frame == nil {
			time.Sleep(time.Millisecond)
			continue
		}

		out := sockcan.Frame{Length: frame.DLC()}
		if frame.ID().Extended() {
			out.ID = frame.ID().Value() | extendedIDFlag
		} else {
			out.ID = frame.ID().Value()
		}
		copy(out.Data[:], frame.Data())
		if err := bus.Publish(out); err != nil {
			log.Errorf("publish failed : %v", err)
		}
	}
}

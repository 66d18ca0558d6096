package main

import (
	"flag"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/gomcp25xxfd/pkg/config"
	"github.com/samsamfire/gomcp25xxfd/pkg/device"
	"github.com/samsamfire/gomcp25xxfd/pkg/fifo"
	"github.com/samsamfire/gomcp25xxfd/pkg/interrupt"
	"github.com/samsamfire/gomcp25xxfd/pkg/mode"
	"github.com/samsamfire/gomcp25xxfd/pkg/transport/serialbridge"
)

var DEFAULT_PORT = "/dev/ttyACM0"
var DEFAULT_BAUD = 115200
var DEFAULT_SETTINGS = "device.ini"

func main() {
	log.SetLevel(log.DebugLevel)
	// Command line arguments
	port := flag.String("p", DEFAULT_PORT, "serial port of the spi bridge")
	baud := flag.Int("b", DEFAULT_BAUD, "baud rate")
	settingsPath := flag.String("c", DEFAULT_SETTINGS, "device settings ini file")
	flag.Parse()

	settings, err := config.Load(*settingsPath)
	if err != nil {
		panic(err)
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
	if err := dev.SetMode(mode.NormalFD); err != nil {
		panic(err)
	}

	receiveFifos := []uint8{}
	for _, desc := range settings.FIFOs {
		if desc.Direction == fifo.Receive {
			receiveFifos = append(receiveFifos, desc.Index)
		}
	}
	log.Infof("listening on %d receive fifo(s)", len(receiveFifos))

	for {
		events, err := dev.Poll()
		if err != nil {
			log.Errorf("poll failed : %v", err)
			continue
		}
		for _, event := range events {
			switch event.Kind {
			case interrupt.Receive:
				drain(dev, receiveFifos)
			case interrupt.RxOverflow:
				log.Warnf("receive overflow on fifo mask %#x, frames were lost", event.Fifos)
				for _, index := range receiveFifos {
					if event.Fifos&(1<<index) != 0 {
						dev.AcknowledgeOverflow(index)
					}
				}
			case interrupt.BusError:
				log.Errorf("bus error, error counters %#x", event.Cause)
			}
		}
		time.Sleep(time.Millisecond)
	}
}

func drain(dev *device.Device, fifos []uint8) {
	for _, index := range fifos {
		for {
			frame, err := dev.Receive(index)
			if err != nil {
				log.Errorf("receive on fifo %d failed : %v", index, err)
				break
			}
			if frame == nil {
				break
			}
			log.Infof("fifo %d : %v", index, frame)
		}
	}
}

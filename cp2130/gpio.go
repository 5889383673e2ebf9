package cp2130

import (
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// Pin is a bridge GPIO driven as an open drain output, so a high level
// releases the line to its pull-up.
type Pin struct {
	b   *Bridge
	num uint8
}

func (b *Bridge) Pin(num uint8) *Pin {
	return &Pin{b: b, num: num}
}

func (p *Pin) String() string {
	return p.Name()
}

func (p *Pin) Halt() error {
	return nil
}

func (p *Pin) Name() string {
	return fmt.Sprintf("GPIO.%d", p.num)
}

func (p *Pin) Number() int {
	return int(p.num)
}

func (p *Pin) Function() string {
	return "Out/OpenDrain"
}

func (p *Pin) Out(l gpio.Level) error {
	if p.num >= Pins {
		return errors.Errorf("no such pin %s", p)
	}
	return p.b.SetGPIOModeAndLevel(p.num, ModeOpenDrain, l)
}

// Read returns the level on the pin. With the open drain output released
// this is the level the line is pulled to.
func (p *Pin) Read() gpio.Level {
	values, err := p.b.GPIOValues()
	if err != nil {
		glog.Warningf("Failed to read %s: %v", p, err)
		return gpio.Low
	}
	return values&GPIOMask(p.num) != 0
}

func (p *Pin) PWM(duty gpio.Duty, f physic.Frequency) error {
	return errors.NotSupportedf("PWM on %s", p)
}

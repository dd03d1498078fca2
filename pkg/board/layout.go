package board

import (
	"fmt"

	"github.com/pkg/errors"

	"radarkit/pkg/port"
)

// Pin is a line of the board with the level it rests at after reset.
type Pin struct {
	Line      int        `yaml:"line" json:"line"`
	Pull      port.Level `yaml:"pull" json:"pull"`
	ActiveLow bool       `yaml:"activeLow" json:"activeLow"`
}

// Active returns the level which asserts the pin.
func (p Pin) Active() port.Level {
	if p.ActiveLow {
		return port.Low
	}
	return port.High
}

// Inactive returns the level which deasserts the pin.
func (p Pin) Inactive() port.Level {
	return p.Active().Invert()
}

// SensorPins are the lines of one sensor slot.
type SensorPins struct {
	Enable     Pin `yaml:"enable" json:"enable"`
	Interrupt  Pin `yaml:"interrupt" json:"interrupt"`
	ChipSelect Pin `yaml:"chipSelect" json:"chipSelect"`
}

// SPI is the bus and chip select used for all sensors of a board.
type SPI struct {
	Bus    int    `yaml:"bus"`
	Device int    `yaml:"device"`
	Speed  uint32 `yaml:"speed"`
}

// Layout describes how the sensors of a board are wired.
type Layout struct {
	Name string `yaml:"name"`
	// Rail powers all sensors. It is asserted in order and deasserted in reverse order.
	Rail []Pin `yaml:"rail"`
	// SlaveSelect is the shared chip select of the spi controller. It is only deasserted at init.
	SlaveSelect  Pin          `yaml:"slaveSelect"`
	Sensors      []SensorPins `yaml:"sensors"`
	RefFrequency float64      `yaml:"refFrequency"`
	SPI          SPI          `yaml:"spi"`
	// Lines is the size of the line table needed for the layout.
	Lines int `yaml:"lines"`
}

// XC112 returns the layout of a Raspberry Pi with XC112 R2B connector board and XR112 R2B sensor boards.
//
// The level shifter enable (BCM 6), the enable of sensor 2 (BCM 5), SS_N (BCM 8) and the chip
// select of sensor 4 (BCM 7) rest high after reset, all other pins rest low.
func XC112() Layout {
	return Layout{
		Name: "xc112",
		Rail: []Pin{
			{Line: 17, Pull: port.Low},                  // PMU_EN
			{Line: 6, Pull: port.High, ActiveLow: true}, // ENABLE_N, /OE of the level shifter
		},
		SlaveSelect: Pin{Line: 8, Pull: port.High, ActiveLow: true},
		Sensors: []SensorPins{
			{
				Enable:     Pin{Line: 23, Pull: port.Low},
				Interrupt:  Pin{Line: 20, Pull: port.Low},
				ChipSelect: Pin{Line: 18, Pull: port.Low, ActiveLow: true},
			},
			{
				Enable:     Pin{Line: 5, Pull: port.High},
				Interrupt:  Pin{Line: 21, Pull: port.Low},
				ChipSelect: Pin{Line: 27, Pull: port.Low, ActiveLow: true},
			},
			{
				Enable:     Pin{Line: 12, Pull: port.Low},
				Interrupt:  Pin{Line: 24, Pull: port.Low},
				ChipSelect: Pin{Line: 22, Pull: port.Low, ActiveLow: true},
			},
			{
				Enable:     Pin{Line: 26, Pull: port.Low},
				Interrupt:  Pin{Line: 25, Pull: port.Low},
				ChipSelect: Pin{Line: 7, Pull: port.High, ActiveLow: true},
			},
		},
		RefFrequency: 24000000,
		SPI:          SPI{Bus: 0, Device: 0, Speed: 15000000},
		Lines:        28,
	}
}

// Layouts are the layouts selectable by name.
var Layouts = map[string]func() Layout{
	"xc112": XC112,
}

// Validate checks that all pins fit into a line table of size lines and that no line is used twice.
func (l Layout) Validate(lines int) error {
	if len(l.Sensors) == 0 {
		return errors.Errorf("layout %q has no sensors", l.Name)
	}

	used := map[int]string{}
	check := func(p Pin, name string) error {
		if p.Line < 0 || p.Line >= lines {
			return errors.Errorf("layout %q: %s line %d out of range 0..%d", l.Name, name, p.Line, lines-1)
		}
		if other, ok := used[p.Line]; ok {
			return errors.Errorf("layout %q: line %d used as %s and %s", l.Name, p.Line, other, name)
		}
		used[p.Line] = name
		return nil
	}

	for i, p := range l.Rail {
		if err := check(p, fmt.Sprintf("rail %d", i)); err != nil {
			return err
		}
	}
	if err := check(l.SlaveSelect, "slave select"); err != nil {
		return err
	}
	for i, s := range l.Sensors {
		id := i + 1
		if err := check(s.Enable, fmt.Sprintf("sensor %d enable", id)); err != nil {
			return err
		}
		if err := check(s.Interrupt, fmt.Sprintf("sensor %d interrupt", id)); err != nil {
			return err
		}
		if err := check(s.ChipSelect, fmt.Sprintf("sensor %d chip select", id)); err != nil {
			return err
		}
	}
	return nil
}

// pins returns every pin of the layout.
func (l Layout) pins() []Pin {
	pins := append([]Pin{}, l.Rail...)
	pins = append(pins, l.SlaveSelect)
	for _, s := range l.Sensors {
		pins = append(pins, s.Enable, s.Interrupt, s.ChipSelect)
	}
	return pins
}

package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/womat/debug"
	"gopkg.in/yaml.v2"

	"radarkit/pkg/board"
	"radarkit/pkg/gpio"
)

var ErrInvalidParam = errors.New("invalid parameter")

// Config defines the struct of global config and the struct of the configuration file.
// Durations are configured as integer milliseconds (the *Int fields) and converted by LoadConfig.
type Config struct {
	Flag      FlagConfig      `yaml:"-"`
	Debug     DebugConfig     `yaml:"debug"`
	Webserver WebserverConfig `yaml:"webserver"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Gpio      GpioConfig      `yaml:"gpio"`
	Board     BoardConfig     `yaml:"board"`
}

// FlagConfig defines the configured flags (parameters)
type FlagConfig struct {
	ConfigFile string
	LogLevel   string
}

// WebserverConfig defines the struct of the webserver and webservice configuration and configuration file
type WebserverConfig struct {
	URL         string          `yaml:"url"`
	Webservices map[string]bool `yaml:"webservices"`
}

// MQTTConfig defines the struct of the mqtt client configuration and configuration file.
// An empty connection disables publishing.
type MQTTConfig struct {
	Connection string `yaml:"connection"`
	Topic      string `yaml:"topic"`
}

// DebugConfig defines the struct of the debug configuration and configuration file
type DebugConfig struct {
	File       io.WriteCloser `yaml:"-"`
	Flag       int            `yaml:"-"`
	FlagString string         `yaml:"flag"`
	FileString string         `yaml:"file"`
}

// GpioConfig selects the gpio backend and the timing of the line driver.
type GpioConfig struct {
	Backend          string        `yaml:"backend"`
	Sysfs            string        `yaml:"sysfs"`
	Chip             string        `yaml:"chip"`
	Lines            int           `yaml:"lines"`
	RetryIntervalInt int           `yaml:"retryinterval"`
	RetryInterval    time.Duration `yaml:"-"`
	RetryTimeoutInt  int           `yaml:"retrytimeout"`
	RetryTimeout     time.Duration `yaml:"-"`
	PollTimeoutInt   int           `yaml:"polltimeout"`
	PollTimeout      time.Duration `yaml:"-"`
}

// SPIConfig overrides the spi settings of the layout. Zero values keep the layout defaults.
type SPIConfig struct {
	Bus         int    `yaml:"bus"`
	Device      int    `yaml:"device"`
	Speed       uint32 `yaml:"speed"`
	MaxTransfer int    `yaml:"maxTransfer"`
}

// StopConfig is the retry policy for disabling a sensor.
type StopConfig struct {
	Retries  int           `yaml:"retries"`
	DelayInt int           `yaml:"delay"`
	Delay    time.Duration `yaml:"-"`
}

// BoardConfig selects the board layout and its timing policy.
type BoardConfig struct {
	Name               string        `yaml:"name"`
	SettleInt          int           `yaml:"settle"`
	Settle             time.Duration `yaml:"-"`
	RefFrequency       float64       `yaml:"refFrequency"`
	SPI                SPIConfig     `yaml:"spi"`
	Stop               StopConfig    `yaml:"stop"`
	InterruptCallbacks bool          `yaml:"interruptCallbacks"`
	PollIntervalInt    int           `yaml:"pollInterval"`
	PollInterval       time.Duration `yaml:"-"`
	// Layout replaces the named layout completely.
	Layout *board.Layout `yaml:"layout"`
}

func NewConfig() *Config {
	return &Config{
		Flag: FlagConfig{},
		Debug: DebugConfig{
			FileString: "stderr",
			FlagString: "standard",
		},
		Webserver: WebserverConfig{
			URL: "http://0.0.0.0:4000",
			Webservices: map[string]bool{
				"version": true,
				"health":  true,
				"sensors": true,
				"lines":   true,
			},
		},
		MQTT: MQTTConfig{
			Topic: "radarkit",
		},
		Gpio: GpioConfig{
			Backend:          gpio.BackendSysfs,
			Sysfs:            gpio.DefaultSysfsRoot,
			Chip:             "gpiochip0",
			Lines:            28,
			RetryIntervalInt: 10,
			RetryTimeoutInt:  1000,
			PollTimeoutInt:   800,
		},
		Board: BoardConfig{
			Name:            "xc112",
			SettleInt:       5,
			SPI:             SPIConfig{MaxTransfer: 4096},
			Stop:            StopConfig{DelayInt: 1},
			PollIntervalInt: 50,
		},
	}
}

func (c *Config) LoadConfig() error {
	if c.Flag.ConfigFile != "" {
		if err := c.readConfigFile(); err != nil {
			return fmt.Errorf("error reading config file %q: %w", c.Flag.ConfigFile, err)
		}
	}

	if c.Flag.LogLevel != "" {
		c.Debug.FlagString = c.Flag.LogLevel
	}
	if err := c.setDebugConfig(); err != nil {
		return fmt.Errorf("unable to set debug config %q: %w", c.Debug.FileString, err)
	}

	c.Gpio.RetryInterval = time.Duration(c.Gpio.RetryIntervalInt) * time.Millisecond
	c.Gpio.RetryTimeout = time.Duration(c.Gpio.RetryTimeoutInt) * time.Millisecond
	c.Gpio.PollTimeout = time.Duration(c.Gpio.PollTimeoutInt) * time.Millisecond
	c.Board.Settle = time.Duration(c.Board.SettleInt) * time.Millisecond
	c.Board.Stop.Delay = time.Duration(c.Board.Stop.DelayInt) * time.Millisecond
	c.Board.PollInterval = time.Duration(c.Board.PollIntervalInt) * time.Millisecond

	return c.validate()
}

func (c *Config) readConfigFile() error {
	file, err := os.Open(c.Flag.ConfigFile)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	decoder := yaml.NewDecoder(file)
	if err = decoder.Decode(c); err != nil {
		return err
	}

	return nil
}

func (c *Config) validate() error {
	switch c.Gpio.Backend {
	case gpio.BackendSysfs, gpio.BackendCdev, gpio.BackendGpiomem, gpio.BackendSim:
	default:
		return errors.Wrapf(ErrInvalidParam, "gpio backend %q", c.Gpio.Backend)
	}

	if c.Gpio.Lines <= 0 {
		return errors.Wrapf(ErrInvalidParam, "gpio lines %d", c.Gpio.Lines)
	}
	if c.Gpio.RetryInterval <= 0 || c.Gpio.RetryTimeout < c.Gpio.RetryInterval {
		return errors.Wrapf(ErrInvalidParam, "gpio retry interval %v, timeout %v", c.Gpio.RetryInterval, c.Gpio.RetryTimeout)
	}
	if c.Gpio.PollTimeout <= 0 {
		return errors.Wrapf(ErrInvalidParam, "gpio poll timeout %v", c.Gpio.PollTimeout)
	}
	if c.Board.Settle < 0 || c.Board.Stop.Retries < 0 || c.Board.PollInterval <= 0 {
		return errors.Wrap(ErrInvalidParam, "board timing")
	}

	_, err := c.Layout()
	return err
}

// Layout returns the board layout with the configured overrides applied.
func (c *Config) Layout() (board.Layout, error) {
	var l board.Layout
	if c.Board.Layout != nil {
		l = *c.Board.Layout
	} else {
		f, ok := board.Layouts[c.Board.Name]
		if !ok {
			return board.Layout{}, errors.Wrapf(ErrInvalidParam, "unknown board %q", c.Board.Name)
		}
		l = f()
	}

	if c.Board.RefFrequency > 0 {
		l.RefFrequency = c.Board.RefFrequency
	}
	if c.Board.SPI.Speed > 0 {
		l.SPI = board.SPI{Bus: c.Board.SPI.Bus, Device: c.Board.SPI.Device, Speed: c.Board.SPI.Speed}
	}

	if err := l.Validate(c.Gpio.Lines); err != nil {
		return board.Layout{}, errors.Wrap(ErrInvalidParam, err.Error())
	}
	return l, nil
}

func (c *Config) setDebugConfig() (err error) {
	// defines Debug section of global.Config
	switch c.Debug.FlagString {
	case "trace", "full":
		c.Debug.Flag = debug.Full
	case "debug":
		c.Debug.Flag = debug.Warning | debug.Info | debug.Error | debug.Fatal | debug.Debug
	case "standard", "info":
		c.Debug.Flag = debug.Standard
	case "warning":
		c.Debug.Flag = debug.Warning | debug.Error | debug.Fatal
	case "error":
		c.Debug.Flag = debug.Error | debug.Fatal
	case "fatal":
		c.Debug.Flag = debug.Fatal
	default:
		return errors.Wrapf(ErrInvalidParam, "log level %q", c.Debug.FlagString)
	}

	switch c.Debug.FileString {
	case "stderr":
		c.Debug.File = os.Stderr
	case "stdout":
		c.Debug.File = os.Stdout
	default:
		if c.Debug.File, err = os.OpenFile(c.Debug.FileString, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666); err != nil {
			return
		}
	}

	return
}

package app

import (
	"context"
	"net/url"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/gofiber/fiber/v2"
	"github.com/womat/debug"
	"go.uber.org/multierr"

	"radarkit/pkg/app/config"
	"radarkit/pkg/board"
	"radarkit/pkg/errcode"
	"radarkit/pkg/gpio"
	"radarkit/pkg/hal"
	"radarkit/pkg/mqtt"
	"radarkit/pkg/spi"
)

// App is the main application struct.
// App is where the application is wired up.
type App struct {
	// web is the fiber web framework instance
	web *fiber.App

	// config is the application configuration
	config *config.Config

	// urlParsed contains the parsed Config.Url parameter
	// and makes it easier to get params out of e.g.
	// url: https://0.0.0.0:7844/?minTls=1.2&bodyLimit=50MB
	urlParsed *url.URL

	// mqtt is the handler to the mqtt broker
	mqtt *mqtt.Handler

	// hw is the line driver, the board and the hal
	hw *hardware

	clock clock.Clock

	// pubMu guards publishing, which is cleared before the mqtt queue is closed
	pubMu      sync.Mutex
	publishing bool

	// listening is set when the web server was started
	listening bool

	// stopPoller cancels the interrupt poller, pollerDone is closed when it returned
	stopPoller context.CancelFunc
	pollerDone chan struct{}

	closeOnce sync.Once
	closeErr  error

	// shutdown is closed when the application can't continue, e.g. the web server failed
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// hardware is the stack from the gpio backend up to the hal.
type hardware struct {
	driver *gpio.Driver
	board  *board.Board
	bus    spi.Bus
	hal    *hal.HAL
}

// New checks the Web server URL and initialize the main app structure
func New(config *config.Config) (*App, error) {
	u, err := url.Parse(config.Webserver.URL)
	if err != nil {
		debug.ErrorLog.Printf("Error parsing url %q: %s", config.Webserver.URL, err.Error())
		return &App{}, err
	}

	return &App{
		config:    config,
		urlParsed: u,

		web:   fiber.New(fiber.Config{DisableStartupMessage: true}),
		mqtt:  mqtt.New(),
		clock: clock.New(),

		publishing: true,
		shutdown:   make(chan struct{}),
	}, err
}

// Run starts the application.
func (app *App) Run() error {
	if err := app.init(); err != nil {
		return err
	}

	app.mqtt.Start()
	app.listening = true
	go app.runWebServer()
	app.startPoller()

	return nil
}

// init initializes the application.
func (app *App) init() (err error) {
	if app.hw, err = openHardware(app.config, app.publishState); err != nil {
		return err
	}

	switch status := app.hw.hal.RegisterISR(app.publishInterrupt); status {
	case hal.ISROk:
		debug.InfoLog.Print("sensor interrupts are delivered by edge callbacks")
	case hal.ISRUnsupported:
		debug.InfoLog.Printf("sensor interrupts are polled every %v", app.config.Board.PollInterval)
	default:
		debug.WarningLog.Printf("can't register sensor interrupt callbacks (%s), falling back to polling", status)
	}

	if err = app.mqtt.Connect(app.config.MQTT.Connection, MODULE); err != nil {
		debug.ErrorLog.Printf("can't open mqtt broker %v", err)
		return err
	}
	if app.mqtt.Enabled() {
		debug.InfoLog.Printf("publishing sensor events to %s/sensor/#", app.config.MQTT.Topic)
	}

	// initDefaultRoutes should be always called last because it accesses the hardware
	// which must be initialized before
	app.initDefaultRoutes()

	return nil
}

// newBackend creates the gpio backend, tests replace it to observe the lines.
var newBackend = gpio.NewBackend

// openHardware creates the line driver, the board, the spi bus and the hal as configured.
// The board is initialized into its quiescent state.
func openHardware(cfg *config.Config, stateChanged func(int, board.State)) (hw *hardware, err error) {
	backend, err := newBackend(cfg.Gpio.Backend, gpio.BackendOptions{
		SysfsRoot: cfg.Gpio.Sysfs,
		Chip:      cfg.Gpio.Chip,
		Consumer:  MODULE,
	})
	if err != nil {
		debug.ErrorLog.Printf("can't open gpio backend %q: %v", cfg.Gpio.Backend, err)
		return nil, err
	}

	driver, err := gpio.New(backend, gpio.Options{
		Lines:         cfg.Gpio.Lines,
		RetryInterval: cfg.Gpio.RetryInterval,
		RetryTimeout:  cfg.Gpio.RetryTimeout,
		PollTimeout:   cfg.Gpio.PollTimeout,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	hw = &hardware{driver: driver}
	defer func() {
		if err != nil {
			_ = hw.close()
			hw = nil
		}
	}()

	layout, err := cfg.Layout()
	if err != nil {
		return hw, err
	}

	hw.board, err = board.New(driver, layout, board.Options{
		Settle:             cfg.Board.Settle,
		Stop:               board.StopPolicy{Retries: cfg.Board.Stop.Retries, Delay: cfg.Board.Stop.Delay},
		InterruptCallbacks: cfg.Board.InterruptCallbacks,
		StateChanged:       stateChanged,
	})
	if err != nil {
		return hw, err
	}

	if cfg.Gpio.Backend == gpio.BackendSim {
		hw.bus = spi.NewLoopback(cfg.Board.SPI.MaxTransfer)
	} else if hw.bus, err = spi.NewPeriph(cfg.Board.SPI.MaxTransfer); err != nil {
		debug.ErrorLog.Printf("can't open spi: %v", err)
		return hw, err
	}

	if hw.hal, err = hal.New(hw.board, hw.bus); err != nil {
		debug.ErrorLog.Printf("can't initialize board %s: %v", layout.Name, err)
		return hw, err
	}

	debug.InfoLog.Printf("board %s ready: %d sensors, gpio backend %s", layout.Name, hw.board.SensorCount(), cfg.Gpio.Backend)
	return hw, nil
}

// close stops all sensors and leaves every line the driver used as input.
func (hw *hardware) close() error {
	var err error
	if hw.board != nil {
		if hw.hal != nil {
			_ = hw.hal.RegisterISR(nil)
		}
		for id := 1; id <= hw.board.SensorCount(); id++ {
			if st, _ := hw.board.State(id); st == board.Disabled {
				continue
			}
			if e := hw.board.Stop(id); e != nil && errcode.Of(e) != errcode.NotActive {
				err = multierr.Append(err, e)
			}
		}
	}
	return multierr.Append(err, hw.driver.Close())
}

// Shutdown returns the read only shutdown channel.
// Shutdown is used to be able to react on application shutdown. (see cmd/radarkit.go)
func (app *App) Shutdown() <-chan struct{} {
	return app.shutdown
}

// requestShutdown closes the shutdown channel once.
func (app *App) requestShutdown() {
	app.shutdownOnce.Do(func() { close(app.shutdown) })
}

// Close stops the poller and the web server, powers down all sensors, releases the gpio lines
// and disconnects from the mqtt broker.
func (app *App) Close() error {
	app.closeOnce.Do(func() {
		app.stopPollerAndWait()

		if app.listening {
			app.closeErr = multierr.Append(app.closeErr, app.web.Shutdown())
		}

		if app.hw != nil {
			app.closeErr = multierr.Append(app.closeErr, app.hw.close())
		}

		app.pubMu.Lock()
		app.publishing = false
		app.pubMu.Unlock()

		if app.mqtt != nil {
			app.mqtt.Close()
			_ = app.mqtt.Disconnect()
		}
	})
	return app.closeErr
}

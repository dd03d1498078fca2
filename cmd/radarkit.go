package main

import (
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"github.com/womat/debug"

	"radarkit/pkg/app"
	"radarkit/pkg/app/config"
)

const defaultConfigFile = "/opt/radarkit/config/" + app.MODULE + ".yaml"

func main() {
	exitCode := 1
	defer func() {
		os.Exit(exitCode)
	}()

	// cfg holds the application configuration
	cfg := config.NewConfig()

	cliApp := &cli.App{
		Name:    app.MODULE,
		Usage:   "Board control for radar sensors on a Raspberry Pi connector board",
		Version: app.VERSION,
		Description: "Powers, selects and monitors up to four radar sensors over gpio and spi." +
			"\n Sensor state and interrupt changes are published to mqtt, the board is controlled over http.",
		UsageText: "radarkit [--config <file>] [--log error|debug|trace] [serve|probe]" +
			"\n\nEXAMPLE:" +
			"\n\tserve the board and use the configuration file radarkit.yaml" +
			"\n\t\tradarkit --config /opt/radarkit/config/radarkit.yaml" +
			"\n\tpower each sensor once and print the result" +
			"\n\t\tradarkit --log error probe",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Destination: &cfg.Flag.ConfigFile, Value: defaultConfigFile, Usage: "load configuration from `FILE`"},
			&cli.StringFlag{Name: "log", Aliases: []string{"l"}, Destination: &cfg.Flag.LogLevel, Value: "", Usage: "`LEVEL` overrides the configured log level (fatal|info|warning|error|debug|trace)"},
		},
		Action: func(*cli.Context) error { return serve(cfg) },
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the web server and publish sensor events until SIGINT or SIGTERM",
				Action: func(*cli.Context) error { return serve(cfg) },
			},
			{
				Name:   "probe",
				Usage:  "start, select, deselect and stop every sensor once",
				Action: func(*cli.Context) error { return probe(cfg) },
			},
		},
	}

	// we expect to have more command line flags in the future - sort them
	sort.Sort(cli.FlagsByName(cliApp.Flags))
	sort.Sort(cli.CommandsByName(cliApp.Commands))

	err := cliApp.Run(os.Args)
	if err != nil {
		debug.FatalLog.Print(err)
		exitCode = 1
		return
	}

	exitCode = 0
}

// setup loads the configuration and opens the debug output. The returned func closes it.
func setup(cfg *config.Config) (func(), error) {
	if err := cfg.LoadConfig(); err != nil {
		return nil, err
	}

	debug.SetDebug(cfg.Debug.File, cfg.Debug.Flag)
	return func() {
		debug.InfoLog.Printf("closing debug file %s", cfg.Debug.FileString)
		_ = cfg.Debug.File.Close()
	}, nil
}

func serve(cfg *config.Config) error {
	closeDebug, err := setup(cfg)
	if err != nil {
		return err
	}
	defer closeDebug()

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		debug.InfoLog.Printf("closing app %s", app.Version())
		if err := a.Close(); err != nil {
			debug.ErrorLog.Printf("closing app: %v", err)
		}
	}()

	debug.InfoLog.Printf("starting app %s", app.Version())
	if err = a.Run(); err != nil {
		return errors.Wrap(err, "starting app")
	}

	// capture exit signals to ensure the sensors are powered down on exit.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		debug.InfoLog.Printf("Got %s signal. Aborting...", sig)
	case <-a.Shutdown():
		return errors.New("web server stopped")
	}
	return nil
}

func probe(cfg *config.Config) error {
	closeDebug, err := setup(cfg)
	if err != nil {
		return err
	}
	defer closeDebug()

	results, err := app.Probe(cfg, os.Stdout)
	if err != nil {
		return err
	}

	for _, r := range results {
		if r.Failed() {
			return errors.Errorf("sensor %d failed the probe", r.Sensor)
		}
	}
	return nil
}

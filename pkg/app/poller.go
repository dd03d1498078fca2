package app

import (
	"context"

	"github.com/womat/debug"

	"radarkit/pkg/board"
)

// startPoller starts polling the interrupt lines of the active sensors.
func (app *App) startPoller() {
	ctx, cancel := context.WithCancel(context.Background())
	app.stopPoller = cancel
	app.pollerDone = make(chan struct{})
	go app.pollInterrupts(ctx, app.pollerDone)
}

func (app *App) stopPollerAndWait() {
	if app.stopPoller == nil {
		return
	}
	app.stopPoller()
	<-app.pollerDone
}

// pollInterrupts reads the interrupt line of every active sensor each poll interval
// and publishes changes of the level.
func (app *App) pollInterrupts(ctx context.Context, done chan struct{}) {
	defer close(done)

	t := app.clock.Ticker(app.config.Board.PollInterval)
	defer t.Stop()

	last := map[int]bool{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			app.checkInterrupts(last)
		}
	}
}

// checkInterrupts publishes the interrupt level of each active sensor whose level differs from last.
// A sensor that is stopped is forgotten, so its level is published again after the next start.
func (app *App) checkInterrupts(last map[int]bool) {
	b := app.hw.board
	for id := 1; id <= b.SensorCount(); id++ {
		if st, _ := b.State(id); st == board.Disabled {
			delete(last, id)
			continue
		}

		active := app.hw.hal.IsInterruptActive(id)
		if prev, ok := last[id]; ok && prev == active {
			continue
		}
		last[id] = active

		debug.TraceLog.Printf("interrupt of sensor %d is %v", id, active)
		app.sendMQTT(app.sensorTopic(id, "interrupt"), interruptMessage{TimeStamp: app.clock.Now(), Sensor: id, Active: active}, false)
	}
}

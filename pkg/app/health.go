package app

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/womat/debug"

	"radarkit/pkg/board"
)

// HandleHealth returns data about the health of myself.
// output example:
//  {"NumGoroutines":11,"HeapAllocatedBytes":332256360,"HeapAllocatedMB":316,"SysMemoryBytes":360290312,
//   "SysMemoryMB":343,"Version":"1.0.00+20261001","ProgLang":"go1.19","Board":"xc112","RailActive":false,"ActiveSensors":0}
func (app *App) HandleHealth() fiber.Handler {
	bToMb := func(b uint64) uint64 {
		return b / 1024 / 1024
	}

	host, _ := os.Hostname()

	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request health")

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		hab := m.Alloc
		smb := m.Sys

		active := 0
		for id := 1; id <= app.hw.board.SensorCount(); id++ {
			if st, _ := app.hw.board.State(id); st != board.Disabled {
				active++
			}
		}

		healthData := struct {
			NumGoroutines      int
			NumCPU             int
			HeapAllocatedBytes uint64
			HeapAllocatedMB    uint64
			SysMemoryBytes     uint64
			SysMemoryMB        uint64
			Version            string
			ProgLang           string
			HostName           string
			Time               string
			Board              string
			RailActive         bool
			ActiveSensors      int
			OpenLines          int
		}{
			NumGoroutines:      runtime.NumGoroutine(),
			NumCPU:             runtime.NumCPU(),
			HeapAllocatedBytes: hab,
			HeapAllocatedMB:    bToMb(hab),
			SysMemoryBytes:     smb,
			SysMemoryMB:        bToMb(smb),
			ProgLang:           runtime.Version(),
			Version:            VERSION,
			HostName:           host,
			Time:               app.clock.Now().Format(time.RFC3339),
			Board:              app.hw.board.Layout().Name,
			RailActive:         app.hw.board.RailActive(),
			ActiveSensors:      active,
			OpenLines:          len(app.hw.driver.Lines()),
		}
		ctx.Status(http.StatusOK)
		return ctx.JSON(healthData)
	}
}

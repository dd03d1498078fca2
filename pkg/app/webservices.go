package app

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/womat/debug"

	"radarkit/pkg/errcode"
)

// runWebServer starts the applications web server and listens for web requests.
//  It's designed to run in a separate go function to not block the main go function.
//  e.g.: go runWebServer()
//  See app.Run()
//  If the server stops with an error, the application is shut down.
func (app *App) runWebServer() {
	if err := app.web.Listen(app.urlParsed.Host); err != nil {
		debug.ErrorLog.Printf("web server stopped: %v", err)
		app.requestShutdown()
	}
}

// errorResponse is returned with every failed request.
type errorResponse struct {
	Error string       `json:"error"`
	Code  errcode.Code `json:"code"`
}

// httpStatus maps the code of err to a http status.
func httpStatus(err error) int {
	switch errcode.Of(err) {
	case errcode.BadParameter:
		return http.StatusBadRequest
	case errcode.AlreadyActive, errcode.NotActive:
		return http.StatusConflict
	case errcode.Unsupported:
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func sendError(ctx *fiber.Ctx, err error) error {
	return ctx.Status(httpStatus(err)).JSON(errorResponse{Error: err.Error(), Code: errcode.Of(err)})
}

// sensorID parses the :id parameter and checks it against the sensor slots.
func (app *App) sensorID(ctx *fiber.Ctx) (int, error) {
	id, err := strconv.Atoi(ctx.Params("id"))
	if err != nil {
		return 0, errcode.New(errcode.BadParameter, "sensor", 0, err)
	}
	if _, err = app.hw.board.State(id); err != nil {
		return 0, err
	}
	return id, nil
}

// HandleProperties returns the sensor count and the maximum spi transfer size.
func (app *App) HandleProperties() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request properties")

		return ctx.JSON(app.hw.hal.Properties())
	}
}

// HandleSensors returns the state of all sensor slots.
func (app *App) HandleSensors() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request sensors")

		return ctx.JSON(app.hw.board.Snapshot())
	}
}

// HandleSensor returns the state of one sensor slot.
func (app *App) HandleSensor() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Printf("web request sensor %s", ctx.Params("id"))

		id, err := app.sensorID(ctx)
		if err != nil {
			return sendError(ctx, err)
		}
		return ctx.JSON(app.hw.board.Snapshot()[id-1])
	}
}

// HandleInterrupt reads the interrupt line of a sensor.
func (app *App) HandleInterrupt() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		id, err := app.sensorID(ctx)
		if err != nil {
			return sendError(ctx, err)
		}

		return ctx.JSON(fiber.Map{
			"id":        id,
			"connected": app.hw.hal.IsInterruptConnected(id),
			"active":    app.hw.hal.IsInterruptActive(id),
		})
	}
}

// HandleSensorAction runs start, stop, select or deselect on a sensor and returns its new state.
func (app *App) HandleSensorAction() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		action := ctx.Params("action")
		debug.InfoLog.Printf("web request %s sensor %s", action, ctx.Params("id"))

		id, err := app.sensorID(ctx)
		if err != nil {
			return sendError(ctx, err)
		}

		switch action {
		case "start":
			err = app.hw.hal.PowerOn(id)
		case "stop":
			err = app.hw.hal.PowerOff(id)
		case "select":
			err = app.hw.hal.Select(id, true)
		case "deselect":
			err = app.hw.hal.Select(id, false)
		default:
			return ctx.Status(http.StatusNotFound).JSON(errorResponse{Error: "unknown action " + action, Code: errcode.BadParameter})
		}
		if err != nil {
			return sendError(ctx, err)
		}

		state, _ := app.hw.board.State(id)
		return ctx.JSON(fiber.Map{"id": id, "state": state.String(), "rail": app.hw.board.RailActive()})
	}
}

// HandleLines returns the state of all open gpio lines.
func (app *App) HandleLines() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request lines")

		return ctx.JSON(app.hw.driver.Lines())
	}
}

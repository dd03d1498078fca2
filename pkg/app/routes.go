package app

// initDefaultRoutes initializes the applications default routes.
//  These are the routes which always are the same in every application.
//  Things like user api, version, ...
func (app *App) initDefaultRoutes() {
	api := app.web.Group("/")
	if app.config.Webserver.Webservices["version"] {
		api.Get("/version", app.HandleVersion())
	}
	if app.config.Webserver.Webservices["health"] {
		api.Get("/health", app.HandleHealth())
	}
	if app.config.Webserver.Webservices["sensors"] {
		api.Get("/properties", app.HandleProperties())
		api.Get("/sensors", app.HandleSensors())
		api.Get("/sensors/:id", app.HandleSensor())
		api.Get("/sensors/:id/interrupt", app.HandleInterrupt())
		api.Post("/sensors/:id/:action", app.HandleSensorAction())
	}
	if app.config.Webserver.Webservices["lines"] {
		api.Get("/lines", app.HandleLines())
	}
}

package app

// initDefaultRoutes initializes the applications default routes.
//  Every group of routes can be switched off in the webservices section of the config.
func (app *App) initDefaultRoutes() {
	api := app.web.Group("/")
	if app.config.Webserver.Webservices["version"] {
		api.Get("/version", app.HandleVersion())
	}
	if app.config.Webserver.Webservices["health"] {
		api.Get("/health", app.HandleHealth())
	}
	if app.config.Webserver.Webservices["status"] {
		api.Get("/status", app.HandleStatus())
	}
	if app.config.Webserver.Webservices["control"] {
		api.Post("/acquisition/start", app.HandleAcquisitionStart())
		api.Post("/acquisition/stop", app.HandleAcquisitionStop())
		api.Post("/recording/start", app.HandleRecordingStart())
		api.Post("/recording/stop", app.HandleRecordingStop())
		api.Post("/recording/reset", app.HandleRecordingReset())
		api.Post("/marker", app.HandleMarker())
	}
	if app.config.Webserver.Webservices["quality"] {
		api.Get("/quality", app.HandleQuality())
	}
	if app.config.Webserver.Webservices["feedback"] {
		api.Get("/feedback", app.HandleFeedback())
	}
}

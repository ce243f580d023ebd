package app

import (
	"errors"
	"net/http"
	"time"

	"physiokit/pkg/acquisition"
	"physiokit/pkg/biofeedback"
	"physiokit/pkg/quality"
	"physiokit/pkg/recorder"

	"github.com/gofiber/fiber/v2"
	"github.com/womat/debug"
)

type acquisitionStatus struct {
	Running bool              `json:"running"`
	Stats   acquisition.Stats `json:"stats"`
}

type recordingStatus struct {
	State string `json:"state"`
	// Session is the active recording
	Session *recorder.Session `json:"session,omitempty"`
	// Elapsed is the recording time in seconds
	Elapsed  int               `json:"elapsed"`
	Last     *recorder.Session `json:"last,omitempty"`
	TempFile string            `json:"tempFile"`
	Written  uint64            `json:"written"`
	Dropped  uint64            `json:"dropped"`
	Failed   uint64            `json:"failed"`
}

type markerStatus struct {
	Code  string    `json:"code"`
	On    bool      `json:"on"`
	Since time.Time `json:"since"`
}

type syncStatus struct {
	Enabled   bool   `json:"enabled"`
	Role      string `json:"role,omitempty"`
	Clients   int    `json:"clients"`
	Connected bool   `json:"connected"`
	Attempts  uint64 `json:"attempts"`
}

type statusResp struct {
	Acquisition acquisitionStatus `json:"acquisition"`
	Recording   recordingStatus   `json:"recording"`
	Marker      markerStatus      `json:"marker"`
	Sync        syncStatus        `json:"sync"`
	Messages    []statusMessage   `json:"messages"`
}

type markerReq struct {
	Code string `json:"code"`
	On   bool   `json:"on"`
}

// runWebServer starts the applications web server and listens for web requests.
//  It's designed to run in a separate go function to not block the main go function.
//  e.g.: go runWebServer()
//  See app.Run()
func (app *App) runWebServer() {
	if err := app.web.Listen(app.urlParsed.Host); err != nil {
		debug.ErrorLog.Print(err)
	}
}

// HandleStatus returns the state of acquisition, recording, marker and synchronization.
func (app *App) HandleStatus() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.DebugLog.Print("web request status")

		messages := app.status.recent()
		resp := statusResp{
			Acquisition: acquisitionStatus{Running: app.acq.Running(), Stats: app.acq.Stats()},
			Recording: recordingStatus{
				State:    app.rec.State().String(),
				TempFile: app.rec.TempPath(),
			},
			Sync:     syncStatus{Enabled: app.config.Sync.Enabled},
			Messages: messages,
		}

		r := &resp.Recording
		r.Written, r.Dropped, r.Failed = app.rec.Stats()
		if s, ok := app.rec.Recording(); ok {
			r.Session, r.Elapsed = &s, int(s.Elapsed(time.Now())/time.Second)
		}
		if s, ok := app.rec.Last(); ok {
			r.Last = &s
		}

		m := &resp.Marker
		m.Code, m.On, m.Since = app.marker.State()

		switch {
		case app.syncServer != nil:
			resp.Sync.Role, resp.Sync.Clients = "server", app.syncServer.Clients()
		case app.syncClient != nil:
			resp.Sync.Role, resp.Sync.Connected, resp.Sync.Attempts = "client", app.syncClient.Connected(), app.syncClient.Attempts()
		}

		return ctx.JSON(resp)
	}
}

// HandleAcquisitionStart starts reading frames with cleared filter states.
func (app *App) HandleAcquisitionStart() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request acquisition start")

		app.acq.Start()
		return ctx.JSON(acquisitionStatus{Running: app.acq.Running(), Stats: app.acq.Stats()})
	}
}

// HandleAcquisitionStop pauses acquisition; an active recording is finalized.
func (app *App) HandleAcquisitionStop() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request acquisition stop")

		app.acq.Pause()
		app.rec.RequestStop(recorder.StopRequested)
		return ctx.JSON(acquisitionStatus{Running: app.acq.Running(), Stats: app.acq.Stats()})
	}
}

// HandleRecordingStart starts a recording. With synchronization the recorder is armed
// and the request returns 202 Accepted; the start is reported as status message.
func (app *App) HandleRecordingStart() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request recording start")

		if !app.acq.Running() {
			return fiber.NewError(http.StatusConflict, "acquisition is not running")
		}
		if s := app.rec.State(); s != recorder.Idle {
			return fiber.NewError(http.StatusConflict, "recorder is "+s.String())
		}

		if !app.config.Sync.Enabled {
			if err := app.rec.Start(app.ctx); err != nil {
				return recorderError(err)
			}
			s, _ := app.rec.Recording()
			return ctx.JSON(s)
		}

		go func() {
			if err := app.rec.Start(app.ctx); err != nil {
				debug.ErrorLog.Printf("synchronized start: %v", err)
			}
		}()
		ctx.Status(http.StatusAccepted)
		return ctx.JSON(fiber.Map{"state": recorder.Armed.String()})
	}
}

// HandleRecordingStop finalizes the recording and returns the final session.
func (app *App) HandleRecordingStop() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request recording stop")

		s, err := app.rec.Stop()
		if errors.Is(err, recorder.ErrStartCancelled) {
			return ctx.JSON(fiber.Map{"state": app.rec.State().String()})
		}
		if err != nil {
			return recorderError(err)
		}
		return ctx.JSON(s)
	}
}

// HandleRecordingReset discards the content of the idle temp file.
func (app *App) HandleRecordingReset() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request recording reset")

		if err := app.rec.Reset(); err != nil {
			return recorderError(err)
		}
		return ctx.JSON(fiber.Map{"state": app.rec.State().String()})
	}
}

// HandleMarker sets the event code and switches marking on or off.
// An empty code keeps the current one.
func (app *App) HandleMarker() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		var req markerReq
		if err := ctx.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		debug.InfoLog.Printf("web request marker %q %v", req.Code, req.On)

		code, _, _ := app.marker.State()
		if req.Code != "" {
			code = req.Code
		}
		if req.On && code == "" {
			return fiber.NewError(http.StatusBadRequest, "event code missing")
		}

		app.marker.Set(code, req.On)
		m := markerStatus{}
		m.Code, m.On, m.Since = app.marker.State()
		return ctx.JSON(m)
	}
}

// HandleQuality returns the latest signal quality scores and the best channel.
func (app *App) HandleQuality() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.DebugLog.Print("web request quality")

		if app.quality == nil {
			return fiber.NewError(http.StatusNotFound, "signal quality is disabled")
		}

		scores := app.quality.Latest()
		resp := struct {
			Scores []quality.Score `json:"scores"`
			Best   *quality.Score  `json:"best,omitempty"`
		}{Scores: scores}
		if b, ok := quality.Best(scores); ok {
			resp.Best = &b
		}
		return ctx.JSON(resp)
	}
}

// HandleFeedback returns the latest biofeedback output.
func (app *App) HandleFeedback() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.DebugLog.Print("web request feedback")

		if app.feedback == nil {
			return fiber.NewError(http.StatusNotFound, "biofeedback is disabled")
		}

		out, ok := app.feedback.Latest()
		if !ok {
			return ctx.SendStatus(http.StatusNoContent)
		}
		return ctx.JSON(struct {
			biofeedback.Output
			Channel string `json:"channel"`
		}{out, app.feedback.Channel()})
	}
}

// recorderError maps recorder errors onto http errors.
func recorderError(err error) error {
	switch {
	case errors.Is(err, recorder.ErrNotIdle), errors.Is(err, recorder.ErrNotRecording):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, recorder.ErrPeerUnavailable):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, recorder.ErrTimeout):
		return fiber.NewError(http.StatusGatewayTimeout, err.Error())
	}
	return fiber.NewError(http.StatusInternalServerError, err.Error())
}

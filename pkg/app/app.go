package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sync"

	"physiokit/pkg/acquisition"
	"physiokit/pkg/app/config"
	"physiokit/pkg/biofeedback"
	"physiokit/pkg/export"
	"physiokit/pkg/extsync"
	"physiokit/pkg/filter"
	"physiokit/pkg/frame"
	"physiokit/pkg/mqtt"
	"physiokit/pkg/quality"
	"physiokit/pkg/raspberry"
	"physiokit/pkg/recorder"
	"physiokit/pkg/serial"
	"physiokit/pkg/viewer"

	"github.com/gofiber/fiber/v2"
	"github.com/womat/debug"
)

// Port is the serial link as used by the app.
type Port interface {
	acquisition.Port
	io.Closer
}

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

	// port is the serial link to the microcontroller, opened by init unless set before
	port Port

	acq      *acquisition.Worker
	rec      *recorder.Recorder
	marker   *frame.Marker
	status   *notifier
	viewer   *viewer.Hub
	quality  *quality.Worker
	onnx     *quality.ONNX
	feedback *biofeedback.Worker

	syncServer *extsync.Server
	syncClient *extsync.Client

	// mqtt is the handler to the mqtt broker
	mqtt      *mqtt.Handler
	publisher *mqtt.Publisher

	chip       *raspberry.Chip
	markerLine *raspberry.Line
	bar        *raspberry.Bar

	// ctx is cancelled on Close; the stages are stopped in order, each with its own context
	ctx            context.Context
	cancel         context.CancelFunc
	acqCancel      context.CancelFunc
	consumerCancel context.CancelFunc
	acqWG          sync.WaitGroup
	consumerWG     sync.WaitGroup
	serviceWG      sync.WaitGroup
	closeOnce      sync.Once
}

// New checks the Web server URL and initialize the main app structure
func New(config *config.Config) (*App, error) {
	u, err := url.Parse(config.Webserver.URL)
	if err != nil {
		debug.ErrorLog.Printf("Error parsing url %q: %s", config.Webserver.URL, err.Error())
		return &App{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		config:    config,
		urlParsed: u,

		web:    fiber.New(fiber.Config{DisableStartupMessage: true, JSONEncoder: json.Marshal}),
		mqtt:   mqtt.New(),
		marker: &frame.Marker{},

		ctx:    ctx,
		cancel: cancel,
	}, err
}

// Run starts the application.
func (app *App) Run() error {
	if err := app.init(); err != nil {
		return err
	}

	go app.mqtt.Service()

	if app.urlParsed.Host != "" {
		go app.runWebServer()
	}

	if app.viewer != nil {
		app.goService(func() { app.viewer.Run(app.ctx) })
		app.goService(func() {
			if err := app.viewer.ListenAndServe(app.ctx, app.config.Viewer.URL); err != nil {
				debug.ErrorLog.Printf("viewer: %v", err)
			}
		})
	}

	switch {
	case app.syncServer != nil:
		app.goService(func() {
			if err := app.syncServer.Serve(app.ctx); err != nil {
				debug.ErrorLog.Printf("sync server: %v", err)
			}
		})
	case app.syncClient != nil:
		app.goService(func() { app.syncClient.Run(app.ctx) })
	}

	if app.markerLine != nil {
		press, _ := raspberry.PressEdge(app.config.GPIO.Terminator)
		app.goService(func() {
			raspberry.MarkerButton(app.markerLine.C, press, app.marker, func(on bool) {
				app.status.Status(fmt.Sprintf("event marker %q %s", app.config.GPIO.MarkerCode, onOff(on)))
			})
		})
	}

	// the recorder goroutine is stopped by rec.Close
	app.serviceWG.Add(1)
	go func() {
		defer app.serviceWG.Done()
		app.rec.Run(context.Background())
	}()

	var consumerCtx context.Context
	consumerCtx, app.consumerCancel = context.WithCancel(app.ctx)
	if app.quality != nil {
		app.consumerWG.Add(1)
		go func() {
			defer app.consumerWG.Done()
			app.quality.Run(consumerCtx)
		}()
	}
	if app.feedback != nil {
		app.consumerWG.Add(1)
		go func() {
			defer app.consumerWG.Done()
			app.feedback.Run(consumerCtx)
		}()
	}

	var acqCtx context.Context
	acqCtx, app.acqCancel = context.WithCancel(app.ctx)
	app.acqWG.Add(1)
	go func() {
		defer app.acqWG.Done()
		app.acq.Run(acqCtx)
	}()

	return nil
}

func (app *App) goService(f func()) {
	app.serviceWG.Add(1)
	go func() {
		defer app.serviceWG.Done()
		f()
	}()
}

// init initializes the application.
func (app *App) init() (err error) {
	c := app.config
	fs := float64(c.SamplingRate)

	if err = app.mqtt.Connect(c.MQTT.Connection); err != nil {
		debug.ErrorLog.Printf("can't open mqtt broker %v", err)
		return err
	}
	if c.MQTT.Connection != "" {
		app.publisher = mqtt.NewPublisher(app.mqtt, c.MQTT.Topic)
	}

	if c.Viewer.URL != "" {
		app.viewer = viewer.New(c.Channels, fs)
	}
	app.status = newNotifier(app.viewer, app.publisher)

	var syncer recorder.Syncer
	if c.Sync.Enabled {
		switch c.Sync.Role {
		case config.RoleServer:
			app.syncServer = extsync.NewServer(c.Sync.Address)
			if err = app.syncServer.Listen(); err != nil {
				debug.ErrorLog.Printf("can't start sync server: %v", err)
				return err
			}
			syncer = app.syncServer
		case config.RoleClient:
			app.syncClient = extsync.NewClient(c.Sync.Address, c.Sync.Retry)
			syncer = app.syncClient
		}
	}

	var exporters []recorder.Exporter
	if c.Export.EDF {
		exporters = append(exporters, &export.EDF{
			SamplingRate: c.SamplingRate,
			Participant:  c.Experiment.Participant,
			Experiment:   c.Experiment.Name,
		})
	}
	if c.Export.Parquet {
		exporters = append(exporters, &export.Parquet{SamplingRate: c.SamplingRate})
	}

	app.rec, err = recorder.New(c.Channels, recorder.Options{
		Naming: recorder.Naming{
			DataDir:     c.Experiment.DataDir,
			Participant: c.Experiment.Participant,
			Experiment:  c.Experiment.Name,
			Condition:   c.Experiment.Condition,
		},
		Limit:     c.Experiment.Duration,
		Sync:      syncer,
		Exporters: exporters,
		Notifier:  app.status,
	})
	if err != nil {
		debug.ErrorLog.Printf("can't open recorder: %v", err)
		return err
	}

	var sinks []frame.FilteredFrameSink
	if app.viewer != nil {
		sinks = append(sinks, app.viewer)
	}
	if err = app.initQuality(fs); err != nil {
		return err
	}
	if app.quality != nil {
		sinks = append(sinks, app.quality)
	}
	if err = app.initGPIO(); err != nil {
		return err
	}
	if err = app.initFeedback(fs); err != nil {
		return err
	}
	if app.feedback != nil {
		sinks = append(sinks, app.feedback)
	}

	bank, err := filter.NewBank(c.Channels, fs, c.Filters)
	if err != nil {
		debug.ErrorLog.Printf("can't design filters: %v", err)
		return err
	}

	if app.port == nil {
		p, err := serial.Open(c.Serial.Port, c.Serial.Baud)
		if err != nil {
			debug.ErrorLog.Printf("can't open serial port %s: %v", c.Serial.Port, err)
			return err
		}
		app.port = p
	}

	app.acq = acquisition.New(app.port, bank, acquisition.Options{
		Recorder: app.rec,
		Marker:   app.marker,
		Sinks:    sinks,
		Notifier: app.status,
	})

	// initRoutes and initDefaultRoutes should be always called last because it may access things like app.api
	// which must be initialized before in initAPI()
	app.initDefaultRoutes()

	return nil
}

func (app *App) initQuality(fs float64) (err error) {
	c := app.config.Quality
	if !c.Enabled {
		return nil
	}

	app.onnx, err = quality.NewONNX(quality.ONNXOptions{
		Library: c.Library,
		Model:   c.Model,
		Input:   c.Input,
		Output:  c.Output,
	})
	if err != nil {
		debug.ErrorLog.Printf("can't load quality model: %v", err)
		return err
	}

	o := quality.DefaultOptions(fs)
	if c.Window > 0 {
		o.Window = c.Window
	}
	if c.Resolution > 0 {
		o.Resolution = c.Resolution
	}
	if c.TargetRate > 0 {
		o.TargetRate = c.TargetRate
	}
	o.Publish = app.publishQuality

	if app.quality, err = quality.New(app.config.Channels, app.onnx, o); err != nil {
		debug.ErrorLog.Printf("can't start signal quality: %v", err)
	}
	return err
}

func (app *App) initFeedback(fs float64) (err error) {
	c := app.config.Biofeedback
	if !c.Enabled {
		return nil
	}

	o := biofeedback.DefaultOptions(fs)
	o.Metric = biofeedback.Metric(c.Metric)
	o.Channel = c.Channel
	if c.Window > 0 {
		o.Window = c.Window
	}
	if c.Step > 0 {
		o.Step = c.Step
	}
	if c.Threshold > 0 {
		o.Threshold = c.Threshold
	}
	if c.Baseline > 0 {
		o.Baseline = c.Baseline
	}
	o.Publish = app.publishFeedback

	if app.feedback, err = biofeedback.New(app.config.Channels, o); err != nil {
		debug.ErrorLog.Printf("can't start biofeedback: %v", err)
	}
	return err
}

// initGPIO requests the marker button and the led bar; both are optional.
func (app *App) initGPIO() (err error) {
	c := app.config.GPIO
	useLeds := app.config.Biofeedback.Enabled && app.config.Biofeedback.HasOutput(config.OutputGPIO)

	if c.Marker >= 0 {
		if app.chip, err = raspberry.Open(c.Chip); err != nil {
			debug.ErrorLog.Printf("can't open gpio: %v", err)
			return err
		}
		if app.markerLine, err = app.chip.NewLine(c.Marker, c.Terminator, c.BounceTime); err != nil {
			debug.ErrorLog.Printf("can't open marker line %d: %v", c.Marker, err)
			return err
		}
		app.marker.Set(c.MarkerCode, false)
	}

	if useLeds {
		if app.bar, err = raspberry.OpenBar(c.Leds); err != nil {
			debug.ErrorLog.Printf("can't open biofeedback leds %v: %v", c.Leds, err)
			return err
		}
	}
	return nil
}

// Close stops acquisition first, then the consumers, then finalizes the recording
// and releases the remaining services.
func (app *App) Close() error {
	app.closeOnce.Do(app.close)
	return nil
}

func (app *App) close() {
	if app.acqCancel != nil {
		app.acqCancel()
	}
	if app.port != nil {
		// releases a blocked read
		_ = app.port.Close()
	}
	app.acqWG.Wait()

	if app.consumerCancel != nil {
		app.consumerCancel()
	}
	app.consumerWG.Wait()

	if app.rec != nil {
		if err := app.rec.Close(); err != nil {
			debug.ErrorLog.Printf("can't close recorder: %v", err)
		}
	}

	if app.cancel != nil {
		app.cancel()
	}
	if app.syncServer != nil {
		_ = app.syncServer.Close()
	}
	if app.markerLine != nil {
		_ = app.markerLine.Close()
	}
	if app.chip != nil {
		_ = app.chip.Close()
	}
	if app.bar != nil {
		_ = app.bar.Close()
	}
	if app.onnx != nil {
		_ = app.onnx.Close()
	}
	if app.web != nil {
		_ = app.web.Shutdown()
	}
	if app.mqtt != nil {
		_ = app.mqtt.Disconnect()
	}
	app.serviceWG.Wait()
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

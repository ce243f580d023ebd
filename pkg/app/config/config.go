package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"physiokit/pkg/filter"
	"physiokit/pkg/frame"

	"github.com/womat/debug"
	"gopkg.in/yaml.v2"
)

// Config holds the application configuration. Attention!
// Fields ending in Int hold the values of the config file, the duration
// fields next to them are derived by LoadConfig.
// Config defines the struct of global config and the struct of the configuration file
type Config struct {
	Flag         FlagConfig          `yaml:"-"`
	Serial       SerialConfig        `yaml:"serial"`
	SamplingRate int                 `yaml:"samplingrate"`
	Channels     frame.ChannelConfig `yaml:"channels"`
	Filters      filter.Options      `yaml:"filters"`
	Experiment   ExperimentConfig    `yaml:"experiment"`
	Sync         SyncConfig          `yaml:"sync"`
	Quality      QualityConfig       `yaml:"quality"`
	Biofeedback  BiofeedbackConfig   `yaml:"biofeedback"`
	Export       ExportConfig        `yaml:"export"`
	MQTT         MQTTConfig          `yaml:"mqtt"`
	Webserver    WebserverConfig     `yaml:"webserver"`
	Viewer       ViewerConfig        `yaml:"viewer"`
	GPIO         GPIOConfig          `yaml:"gpio"`
	Log          LogConfig           `yaml:"debug"`
}

// FlagConfig defines the configured flags (parameters)
type FlagConfig struct {
	Version    bool
	LogLevel   string
	ConfigFile string
}

// SerialConfig defines the serial link to the microcontroller.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// ExperimentConfig defines the naming and the time limit of recordings.
type ExperimentConfig struct {
	Participant string        `yaml:"participant"`
	Name        string        `yaml:"name"`
	Condition   string        `yaml:"condition"`
	DataDir     string        `yaml:"datadir"`
	DurationInt int           `yaml:"duration"`
	Duration    time.Duration `yaml:"-"`
}

// Sync roles.
const (
	RoleServer = "server"
	RoleClient = "client"
)

// SyncConfig defines the multi-station start synchronization.
type SyncConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Role     string        `yaml:"role"`
	Address  string        `yaml:"address"`
	RetryInt int           `yaml:"retry"`
	Retry    time.Duration `yaml:"-"`
}

// QualityConfig defines the ppg signal quality classifier.
type QualityConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Model         string        `yaml:"model"`
	Library       string        `yaml:"library"`
	Input         string        `yaml:"input"`
	Output        string        `yaml:"output"`
	WindowInt     int           `yaml:"window"`
	Window        time.Duration `yaml:"-"`
	ResolutionInt int           `yaml:"resolution"`
	Resolution    time.Duration `yaml:"-"`
	TargetRate    float64       `yaml:"targetfs"`
}

// Biofeedback outputs.
const (
	OutputUART = "uart"
	OutputMQTT = "mqtt"
	OutputGPIO = "gpio"
)

// BiofeedbackConfig defines the biofeedback metric and where it is sent.
type BiofeedbackConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Channel   string        `yaml:"channel"`
	Metric    string        `yaml:"metric"`
	WindowInt int           `yaml:"window"`
	Window    time.Duration `yaml:"-"`
	StepInt   int           `yaml:"step"`
	Step      time.Duration `yaml:"-"`
	Threshold float64       `yaml:"threshold"`
	Baseline  int           `yaml:"baseline"`
	Output    []string      `yaml:"output"`
}

// HasOutput reports whether output o is configured.
func (c BiofeedbackConfig) HasOutput(o string) bool {
	for _, v := range c.Output {
		if v == o {
			return true
		}
	}
	return false
}

// ExportConfig selects the additional formats of finalized recordings.
type ExportConfig struct {
	EDF     bool `yaml:"edf"`
	Parquet bool `yaml:"parquet"`
}

// MQTTConfig defines the struct of the mqtt client configuration and configuration file
type MQTTConfig struct {
	Connection string `yaml:"connection"`
	Topic      string `yaml:"topic"`
}

// WebserverConfig defines the struct of the webserver and webservice configuration and configuration file
type WebserverConfig struct {
	URL         string          `yaml:"url"`
	Webservices map[string]bool `yaml:"webservices"`
}

// ViewerConfig defines the websocket live stream, an empty URL disables it.
type ViewerConfig struct {
	URL string `yaml:"url"`
}

// GPIOConfig defines the marker push-button and the biofeedback leds.
type GPIOConfig struct {
	Chip          string        `yaml:"chip"`
	Marker        int           `yaml:"marker"`
	MarkerCode    string        `yaml:"markercode"`
	Terminator    string        `yaml:"terminator"`
	BounceTimeInt int           `yaml:"bouncetime"`
	BounceTime    time.Duration `yaml:"-"`
	Leds          []int         `yaml:"leds"`
}

// LogConfig defines the struct of the debug configuration and configuration file
type LogConfig struct {
	File       io.WriteCloser `yaml:"-"`
	Flag       int            `yaml:"-"`
	FlagString string         `yaml:"flag"`
	FileString string         `yaml:"file"`
}

func NewConfig() *Config {
	return &Config{
		Flag: FlagConfig{},
		Serial: SerialConfig{
			Port: "/dev/ttyACM0",
			Baud: 115200,
		},
		SamplingRate: 250,
		Filters:      filter.DefaultOptions(),
		Experiment: ExperimentConfig{
			Participant: "participant",
			Name:        "experiment",
			Condition:   "condition",
			DataDir:     "data",
		},
		Sync: SyncConfig{
			Role:     RoleServer,
			Address:  "0.0.0.0:5000",
			RetryInt: 5,
		},
		Quality: QualityConfig{
			Input:         "input",
			Output:        "output",
			WindowInt:     8,
			ResolutionInt: 1,
			TargetRate:    25,
		},
		Biofeedback: BiofeedbackConfig{
			Metric:    "HRV_RMSSD",
			WindowInt: 30,
			StepInt:   5,
			Threshold: 0.5,
			Baseline:  10,
		},
		MQTT: MQTTConfig{
			Topic: "/physiokit",
		},
		Webserver: WebserverConfig{
			URL: "http://0.0.0.0:4000",
			Webservices: map[string]bool{
				"version":  true,
				"health":   true,
				"status":   true,
				"control":  true,
				"quality":  true,
				"feedback": true,
			},
		},
		GPIO: GPIOConfig{
			Chip:          "gpiochip0",
			Marker:        -1,
			MarkerCode:    "1",
			Terminator:    "pullup",
			BounceTimeInt: 20,
		},
		Log: LogConfig{
			FileString: "stderr",
			FlagString: "standard",
		},
	}
}

func (c *Config) LoadConfig() error {
	if err := c.readConfigFile(); err != nil {
		return fmt.Errorf("error reading config file %q: %w", c.Flag.ConfigFile, err)
	}

	if c.Flag.LogLevel != "" {
		c.Log.FlagString = c.Flag.LogLevel
	}
	if err := c.setDebugConfig(); err != nil {
		return fmt.Errorf("unable to open debug file %q: %w", c.Log.FileString, err)
	}

	c.derive()
	return c.validate()
}

// derive converts the integer seconds and milliseconds of the file into durations.
func (c *Config) derive() {
	c.Experiment.Duration = time.Duration(c.Experiment.DurationInt) * time.Second
	c.Sync.Retry = time.Duration(c.Sync.RetryInt) * time.Second
	c.Quality.Window = time.Duration(c.Quality.WindowInt) * time.Second
	c.Quality.Resolution = time.Duration(c.Quality.ResolutionInt) * time.Second
	c.Biofeedback.Window = time.Duration(c.Biofeedback.WindowInt) * time.Second
	c.Biofeedback.Step = time.Duration(c.Biofeedback.StepInt) * time.Second
	c.GPIO.BounceTime = time.Duration(c.GPIO.BounceTimeInt) * time.Millisecond
}

func (c *Config) validate() error {
	if c.SamplingRate <= 0 {
		return fmt.Errorf("invalid sampling rate %d", c.SamplingRate)
	}
	if err := c.Channels.Validate(); err != nil {
		return err
	}
	if c.Sync.Enabled && c.Sync.Role != RoleServer && c.Sync.Role != RoleClient {
		return fmt.Errorf("invalid sync role %q", c.Sync.Role)
	}
	for _, o := range c.Biofeedback.Output {
		switch o {
		case OutputUART, OutputMQTT, OutputGPIO:
		default:
			return fmt.Errorf("invalid biofeedback output %q", o)
		}
	}
	return nil
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

func (c *Config) setDebugConfig() (err error) {
	// defines Debug section of global.Config
	switch c.Log.FlagString {
	case "trace", "full":
		c.Log.Flag = debug.Full
	case "debug":
		c.Log.Flag = debug.Warning | debug.Info | debug.Error | debug.Fatal | debug.Debug
	case "standard":
		c.Log.Flag = debug.Standard
	}

	switch c.Log.FileString {
	case "stderr":
		c.Log.File = os.Stderr
	case "stdout":
		c.Log.File = os.Stdout
	default:
		if c.Log.File, err = os.OpenFile(c.Log.FileString, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666); err != nil {
			return
		}
	}

	return
}

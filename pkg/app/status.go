package app

import (
	"sync"
	"time"

	"physiokit/pkg/app/config"
	"physiokit/pkg/biofeedback"
	"physiokit/pkg/mqtt"
	"physiokit/pkg/quality"
	"physiokit/pkg/viewer"

	"github.com/womat/debug"
)

// keepMessages is the number of status messages kept for /status.
const keepMessages = 20

type statusMessage struct {
	Message string    `json:"message" msgpack:"message"`
	Time    time.Time `json:"time" msgpack:"time"`
}

// notifier fans status messages and elapsed seconds out to the log, the viewer and mqtt.
// It is called from the acquisition and recorder goroutines and never blocks.
type notifier struct {
	viewer *viewer.Hub
	mqtt   *mqtt.Publisher

	mu       sync.Mutex
	messages []statusMessage
}

func newNotifier(v *viewer.Hub, p *mqtt.Publisher) *notifier {
	return &notifier{viewer: v, mqtt: p}
}

func (n *notifier) Elapsed(seconds int) {
	debug.DebugLog.Printf("recording time %ds", seconds)
	if n.viewer != nil {
		n.viewer.Publish(viewer.Elapsed, seconds)
	}
	if n.mqtt != nil {
		n.mqtt.Elapsed(seconds)
	}
}

func (n *notifier) Status(msg string) {
	m := statusMessage{Message: msg, Time: time.Now()}

	n.mu.Lock()
	n.messages = append(n.messages, m)
	if len(n.messages) > keepMessages {
		n.messages = n.messages[len(n.messages)-keepMessages:]
	}
	n.mu.Unlock()

	debug.InfoLog.Print(msg)
	if n.viewer != nil {
		n.viewer.Publish(viewer.Status, m)
	}
	if n.mqtt != nil {
		n.mqtt.Status(msg)
	}
}

// recent returns the kept messages, oldest first.
func (n *notifier) recent() []statusMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]statusMessage(nil), n.messages...)
}

func (app *App) publishQuality(scores []quality.Score) {
	if app.viewer != nil {
		app.viewer.Publish(viewer.Quality, scores)
	}
	if app.publisher != nil {
		app.publisher.Quality(scores)
	}
}

// publishFeedback sends a biofeedback output to the configured outputs.
func (app *App) publishFeedback(out biofeedback.Output) {
	c := app.config.Biofeedback

	if app.viewer != nil {
		app.viewer.Publish(viewer.Feedback, out)
	}
	if c.HasOutput(config.OutputUART) && app.acq != nil {
		app.acq.SetFeedbackOutput(out.Text + "\n")
	}
	if c.HasOutput(config.OutputMQTT) && app.publisher != nil {
		app.publisher.Feedback(out)
	}
	if app.bar != nil {
		app.bar.Show(ledShare(out))
	}
}

// ledShare maps an output onto the led bar: respiration buckets fill it in eighths,
// the baseline of the other metrics lights half of it.
func ledShare(out biofeedback.Output) float64 {
	if out.Metric == biofeedback.RSP {
		return out.Value / 8
	}
	return out.Value / 2
}

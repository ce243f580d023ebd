package mqtt

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/womat/debug"
)

// Topics below the configured prefix.
const (
	TopicStatus   = "/status"
	TopicElapsed  = "/elapsed"
	TopicQuality  = "/quality"
	TopicFeedback = "/feedback"
)

// Publisher publishes pipeline updates below a topic prefix.
// All methods are fire-and-forget and never block.
type Publisher struct {
	h      *Handler
	prefix string
}

// NewPublisher generates a publisher sending through h.
func NewPublisher(h *Handler, prefix string) *Publisher {
	return &Publisher{h: h, prefix: strings.TrimSuffix(prefix, "/")}
}

// Elapsed publishes the recording time in seconds.
func (p *Publisher) Elapsed(seconds int) {
	p.h.Send(Message{Topic: p.prefix + TopicElapsed, Payload: []byte(strconv.Itoa(seconds))})
}

// Status publishes a status message, retained so late subscribers see the last one.
func (p *Publisher) Status(msg string) {
	p.publishJSON(TopicStatus, struct {
		Message string    `json:"message"`
		Time    time.Time `json:"time"`
	}{msg, time.Now()}, true)
}

// Quality publishes a set of signal quality scores.
func (p *Publisher) Quality(v interface{}) {
	p.publishJSON(TopicQuality, v, false)
}

// Feedback publishes a biofeedback output.
func (p *Publisher) Feedback(v interface{}) {
	p.publishJSON(TopicFeedback, v, false)
}

func (p *Publisher) publishJSON(topic string, v interface{}, retained bool) {
	b, err := json.Marshal(v)
	if err != nil {
		debug.ErrorLog.Printf("mqtt: can't encode %s: %v", topic, err)
		return
	}
	p.h.Send(Message{Topic: p.prefix + topic, Payload: b, Retained: retained})
}

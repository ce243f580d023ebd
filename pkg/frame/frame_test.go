package frame_test

import (
	"testing"

	"physiokit/pkg/frame"

	"github.com/stretchr/testify/assert"
)

var channels = frame.ChannelConfig{
	{Name: "EDA", Type: frame.EDA},
	{Name: "PPG1", Type: frame.PPG},
	{Name: "Aux"},
	{Name: "PPG2", Type: frame.PPG},
}

func TestChannelConfig(t *testing.T) {
	assert.NoError(t, channels.Validate())
	assert.Equal(t, []string{"EDA", "PPG1", "Aux", "PPG2"}, channels.Names())
	assert.Equal(t, []int{1, 3}, channels.Indices(frame.PPG))

	i, ok := channels.Index("PPG2")
	assert.True(t, ok)
	assert.Equal(t, 3, i)
	_, ok = channels.Index("Resp")
	assert.False(t, ok)

	assert.Error(t, frame.ChannelConfig{}.Validate())
	assert.Error(t, frame.ChannelConfig{{Name: "A"}, {Name: "A"}}.Validate())
	assert.Error(t, frame.ChannelConfig{{Name: "A", Type: "ecg"}}.Validate())
}

func TestMarker(t *testing.T) {
	var m frame.Marker
	assert.Equal(t, "", m.Current())

	m.Set("4", true)
	assert.Equal(t, "4", m.Current())
	_, on, since := m.State()
	assert.True(t, on)
	assert.False(t, since.IsZero())

	assert.False(t, m.Toggle())
	assert.Equal(t, "", m.Current())
	code, _, _ := m.State()
	assert.Equal(t, "4", code)
}

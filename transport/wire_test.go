package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDataFrame(t *testing.T) {
	require.Equal(t, "temperature:21.5", DataFrame("temperature", "21.5"))
}

func TestHistoryFrame(t *testing.T) {
	require.Equal(t, "temperature:hs-3-hw-['temperature:1']", HistoryFrame("temperature", 3, "['temperature:1']"))
}

func TestRelayFrameSplicesPublisherAddr(t *testing.T) {
	frame := HistoryFrame("temperature", 3, "['temperature:1']")
	relayed := RelayFrame(frame, "127.0.0.1:9300")
	require.Equal(t, "temperature:pi-127.0.0.1:9300-hs-3-hw-['temperature:1']", relayed)
}

func TestRelayFrameLeavesNonHistoryFrameAlone(t *testing.T) {
	require.Equal(t, "temperature:21.5", RelayFrame("temperature:21.5", "127.0.0.1:9300"))
}

func TestIsHistoryFrame(t *testing.T) {
	require.True(t, IsHistoryFrame("temperature:hs-3-hw-['a']"))
	require.False(t, IsHistoryFrame("temperature:21.5"))
}

func TestParseHistoryDirectFrame(t *testing.T) {
	parsed, err := ParseHistory("temperature:hs-3-hw-['temperature:1', 'temperature:2']")
	require.NoError(t, err)
	require.Equal(t, "temperature", parsed.Topic)
	require.Empty(t, parsed.PublisherAddr)
	require.Equal(t, 3, parsed.HistoryDepth)
	require.Equal(t, "['temperature:1', 'temperature:2']", parsed.Window)
}

func TestParseHistoryRelayedFrame(t *testing.T) {
	parsed, err := ParseHistory("temperature:pi-127.0.0.1:9300-hs-3-hw-['temperature:1']")
	require.NoError(t, err)
	require.Equal(t, "temperature", parsed.Topic)
	require.Equal(t, "127.0.0.1:9300", parsed.PublisherAddr)
	require.Equal(t, 3, parsed.HistoryDepth)
	require.Equal(t, "['temperature:1']", parsed.Window)
}

func TestParseHistoryRejectsNonHistoryFrame(t *testing.T) {
	_, err := ParseHistory("temperature:21.5")
	require.Error(t, err)
}

func TestParseTopic(t *testing.T) {
	require.Equal(t, "temperature", ParseTopic("temperature:21.5"))
	require.Equal(t, "temperature", ParseTopic("temperature"))
}

package logger

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	require.Equal(t, DEBUG, ParseLogLevel("debug"))
	require.Equal(t, WARN, ParseLogLevel("WARNING"))
	require.Equal(t, ERROR, ParseLogLevel("Error"))
	require.Equal(t, INFO, ParseLogLevel(""))
	require.Equal(t, INFO, ParseLogLevel("bogus"))
}

func TestLevelThreshold(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)

	l := New("WARN")
	l.Debug("hidden %d", 1)
	l.Info("hidden %d", 2)
	l.Warn("shown %d", 3)
	l.Error("shown %d", 4)

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "[WARN] shown 3")
	require.Contains(t, out, "[ERROR] shown 4")
}

func TestSetLevelAtRuntime(t *testing.T) {
	l := New("INFO")
	require.Equal(t, "INFO", l.GetLevel())

	l.SetLevel("DEBUG")
	require.Equal(t, "DEBUG", l.GetLevel())
}

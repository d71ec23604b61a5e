package observability

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestLogrusLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetLevel(logrus.DebugLevel)
	base.SetFormatter(&logrus.JSONFormatter{})

	log := NewLogrusFrom(base).WithComponent("dispatcher")
	log.Warn("dropped frame", F("chanId", 17), Err(errors.New("unknown channel")))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "dropped frame", line["msg"])
	require.Equal(t, "warning", line["level"])
	require.Equal(t, "dispatcher", line["component"])
	require.Equal(t, float64(17), line["chanId"])
	require.Equal(t, "unknown channel", line["error"])
}

func TestCallerNamesCallSite(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	path := filepath.Join(t.TempDir(), "bookstream.log")
	log, err := NewLogrus(LogConfig{Level: "info", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	log.Info("from test")
	log.WithComponent("book").Warn("from child")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	for _, raw := range lines {
		var line map[string]any
		require.NoError(t, json.Unmarshal([]byte(raw), &line))
		file, _ := line["file"].(string)
		require.True(t, strings.HasPrefix(file, "logger_test.go:"), file)
	}
}

func TestNewLogrusRejectsBadConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	_, err := NewLogrus(LogConfig{Level: "loud"})
	require.Error(t, err)

	_, err = NewLogrus(LogConfig{Level: "info", Format: "xml"})
	require.Error(t, err)

	l, err := NewLogrus(LogConfig{Level: "debug", Format: "text", File: "stderr"})
	require.NoError(t, err)
	require.NotNil(t, l)
}

func TestSetLoggerNilFallsBackToNoop(t *testing.T) {
	SetLogger(nil)
	require.NotNil(t, Log())
	Log().Info("ignored")

	custom := Nop()
	SetLogger(custom)
	require.Equal(t, custom, Log())
	require.Equal(t, custom, OrDefault(nil))
	SetLogger(nil)
}

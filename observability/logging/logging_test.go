package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupRenamesKeysAndMasksSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("marketd", "test", Options{Output: &buf, Level: "debug"})
	logger.Debug("delivered", slog.String("secret", "locker 12"), slog.String("listing", "4"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "delivered", line["message"])
	require.Equal(t, "marketd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, RedactedValue, line["secret"])
	require.Equal(t, "4", line["listing"])
	require.Contains(t, line, "timestamp")
}

func TestSetupFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("marketd", "", Options{Output: &buf, Level: "warn"})
	logger.Info("hidden")
	require.Zero(t, buf.Len())
	logger.Warn("shown")
	require.NotZero(t, buf.Len())
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("ciphertext", "abcd").Value.String())
	require.Equal(t, "", MaskField("ciphertext", "").Value.String())
	require.Equal(t, "boom", MaskField("error", "boom").Value.String())
	require.Contains(t, RedactionAllowlist(), "service")
}

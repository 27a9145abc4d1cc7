package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

var errUSB = errors.New("usb: device busy")

func TestFormatError_NilError(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, FormatError(&buf, nil, FormatJSON))
	assert.Empty(t, buf.String())
}

func TestFormatError_JSON(t *testing.T) {
	t.Parallel()

	err := linkerr.WithSuggestion(
		linkerr.WithDetails(linkerr.WithCause(linkerr.ErrDeviceUnavailable, errUSB), map[string]string{"chain": "btc"}),
		"unlock the device and open the Bitcoin Test app",
	)

	var buf bytes.Buffer
	require.NoError(t, FormatError(&buf, linkerr.Wrap(err, "connect btc"), FormatJSON))

	var out ErrorOutput
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, linkerr.CodeDeviceUnavailable, out.Error.Code)
	assert.Equal(t, "usb: device busy", out.Error.Cause)
	assert.Equal(t, map[string]string{"chain": "btc"}, out.Error.Details)
	assert.Equal(t, "unlock the device and open the Bitcoin Test app", out.Error.Suggestion)
	assert.Equal(t, linkerr.ExitDevice, out.Error.ExitCode)
}

func TestFormatError_Text(t *testing.T) {
	t.Parallel()

	err := linkerr.WithSuggestion(
		linkerr.WithDetails(linkerr.ErrUserRejected, map[string]string{"status": "6985", "chain": "btc"}),
		"approve the address on the device",
	)

	var buf bytes.Buffer
	require.NoError(t, FormatError(&buf, err, FormatText))

	expected := "Error: request rejected on device\n" +
		"\nDetails:\n  chain: btc\n  status: 6985\n" +
		"\nSuggestion: approve the address on the device\n"
	assert.Equal(t, expected, buf.String())
}

func TestFormatError_GenericError(t *testing.T) {
	t.Parallel()

	var js bytes.Buffer
	require.NoError(t, FormatError(&js, errUSB, FormatJSON))

	var out ErrorOutput
	require.NoError(t, json.Unmarshal(js.Bytes(), &out))
	assert.Equal(t, linkerr.CodeGeneral, out.Error.Code)
	assert.Equal(t, "usb: device busy", out.Error.Message)
	assert.Equal(t, linkerr.ExitGeneral, out.Error.ExitCode)
	assert.Empty(t, out.Error.Cause)

	var text bytes.Buffer
	require.NoError(t, FormatError(&text, errUSB, FormatText))
	assert.Equal(t, "Error: usb: device busy\n", text.String())
}

func TestFormatError_WriterError(t *testing.T) {
	t.Parallel()
	require.ErrorIs(t, FormatError(failingWriter{}, errUSB, FormatText), errWrite)
}

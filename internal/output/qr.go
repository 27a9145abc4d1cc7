package output

import (
	"io"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"rsc.io/qr"
)

// QRConfig configures QR code rendering.
type QRConfig struct {
	// Level is the error correction level.
	Level qr.Level
	// QuietZone is the number of empty blocks around the QR code.
	QuietZone int
	// HalfBlocks uses half-height blocks for a more compact display.
	HalfBlocks bool
}

// DefaultQRConfig returns the terminal QR settings used for addresses.
func DefaultQRConfig() QRConfig {
	return QRConfig{
		Level:      qr.M,
		QuietZone:  1,
		HalfBlocks: true,
	}
}

// QRPayload returns the text encoded in an address QR code. Bech32
// addresses are upper-cased, which lets the code use the denser
// alphanumeric mode; bech32 decoders accept either case.
func QRPayload(address string) string {
	return strings.ToUpper(address)
}

// RenderQR renders a QR code of address when w is a terminal. Nothing is
// written otherwise.
func RenderQR(w io.Writer, address string, cfg QRConfig) bool {
	if address == "" || !IsTerminal(w) {
		return false
	}

	qrterminal.GenerateWithConfig(QRPayload(address), qrterminal.Config{
		Level:          cfg.Level,
		Writer:         w,
		QuietZone:      cfg.QuietZone,
		HalfBlocks:     cfg.HalfBlocks,
		BlackChar:      qrterminal.BLACK_BLACK,
		WhiteChar:      qrterminal.WHITE_WHITE,
		WhiteBlackChar: qrterminal.WHITE_BLACK,
		BlackWhiteChar: qrterminal.BLACK_WHITE,
	})
	return true
}

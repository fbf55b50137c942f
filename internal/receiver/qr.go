package receiver

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/niklas-mlrr/whatsapp-bridge/internal/paths"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/status"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/wa"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

// runQRAuth drives the headless pairing flow: each pairing code is
// rendered to stderr and written as a PNG next to the session, so the
// operator can scan either.
func runQRAuth(sessionName string, adapter *wa.Adapter, machine *status.Machine, logger *zap.Logger) {
	logger.Info("no credentials stored, starting QR pairing")
	_ = machine.Transition(status.Connecting)

	events, err := adapter.StartQRAuth(context.Background())
	if err != nil {
		logger.Error("QR auth failed to start", zap.Error(err))
		_ = machine.Transition(status.Disconnected)
		return
	}

	pngPath := paths.QRPath(sessionName)
	for evt := range events {
		switch evt.Type {
		case wa.AuthEventQRCode:
			fmt.Fprintf(os.Stderr, "\nScan this code with the phone (Linked devices):\n\n%s\n", renderQR(evt.QRCode))
			if werr := qrcode.WriteFile(evt.QRCode, qrcode.Medium, 512, pngPath); werr != nil {
				logger.Warn("QR PNG write failed", zap.Error(werr))
			} else {
				fmt.Fprintf(os.Stderr, "Also written to %s\n", pngPath)
			}

		case wa.AuthEventAuthenticated:
			logger.Info("paired successfully")
			_ = os.Remove(pngPath)
			// The Connected event takes the session onward from here.

		case wa.AuthEventTimeout, wa.AuthEventAuthFailed:
			logger.Error("pairing failed", zap.String("reason", evt.Message))
			_ = os.Remove(pngPath)
			_ = machine.Transition(status.Disconnected)
		}
	}
}

// renderQR converts a pairing code to a compact ASCII QR using Unicode
// half-block characters. Two bitmap rows become one terminal line.
func renderQR(content string) string {
	qr, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return "  (QR generation failed: " + err.Error() + ")"
	}

	bitmap := qr.Bitmap()
	rows := len(bitmap)
	cols := 0
	if rows > 0 {
		cols = len(bitmap[0])
	}

	var sb strings.Builder
	for y := 0; y < rows; y += 2 {
		sb.WriteString("  ")
		for x := 0; x < cols; x++ {
			top := bitmap[y][x]
			bot := false
			if y+1 < rows {
				bot = bitmap[y+1][x]
			}
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top && !bot:
				sb.WriteRune('▀')
			case !top && bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String()
}

package app

import (
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ent0n29/companion/internal/bridge"
	"github.com/ent0n29/companion/internal/config"
	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/session"
	"github.com/ent0n29/companion/internal/voice"
)

const (
	DeviceModeBridge = "bridge"
	DeviceModeMock   = "mock"
)

type deviceSetup struct {
	mode        string
	recognition voice.RecognitionDevice
	speech      voice.SpeechEngine
	hub         *bridge.Hub
	mock        *voice.MockDevice
	detail      string
}

func resolveDevices(cfg config.Config, pages *session.Registry, clk clock.Clock, logger *zap.Logger, metrics *observability.Metrics) (deviceSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.DeviceMode))
	switch mode {
	case DeviceModeBridge, "":
		hub := bridge.NewHub(bridge.Options{ProbeTimeout: cfg.ProbeTimeout}, pages, logger, metrics)
		return deviceSetup{
			mode:        DeviceModeBridge,
			recognition: hub,
			speech:      hub,
			hub:         hub,
			detail:      "browser page over /v1/bridge/ws",
		}, nil
	case DeviceModeMock:
		mock := voice.NewMockDevice()
		return deviceSetup{
			mode:        DeviceModeMock,
			recognition: mock,
			speech:      voice.NewMockSpeechEngine(clk),
			mock:        mock,
			detail:      "in-process simulated devices",
		}, nil
	default:
		return deviceSetup{}, fmt.Errorf("invalid VOICE_DEVICE_MODE: %q (expected bridge|mock)", cfg.DeviceMode)
	}
}

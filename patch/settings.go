package patch

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type CoordinatorSettings struct {
	// how long local edits accumulate before a batch is transmitted
	DebounceTimeout time.Duration `env:"WEAVE_DEBOUNCE_TIMEOUT"`
	// a send with no acknowledgement within this timeout is a failure,
	// which bounds how long a stale snapshot is retained
	SendTimeout time.Duration `env:"WEAVE_SEND_TIMEOUT"`
	// bound of the undo stack. The oldest record is evicted past the bound.
	MaxActionStackSize int `env:"WEAVE_MAX_ACTION_STACK_SIZE"`
}

func DefaultCoordinatorSettings() *CoordinatorSettings {
	return &CoordinatorSettings{
		DebounceTimeout:    250 * time.Millisecond,
		SendTimeout:        5 * time.Second,
		MaxActionStackSize: 100,
	}
}

// defaults overlaid with WEAVE_* environment variables
func CoordinatorSettingsFromEnv() (*CoordinatorSettings, error) {
	settings := DefaultCoordinatorSettings()
	if err := env.Parse(settings); err != nil {
		return nil, err
	}
	return settings, nil
}

type TransportSettings struct {
	WsHandshakeTimeout time.Duration `env:"WEAVE_WS_HANDSHAKE_TIMEOUT"`
	AuthTimeout        time.Duration `env:"WEAVE_AUTH_TIMEOUT"`
	ReconnectTimeout   time.Duration `env:"WEAVE_RECONNECT_TIMEOUT"`
	PingTimeout        time.Duration `env:"WEAVE_PING_TIMEOUT"`
	WriteTimeout       time.Duration `env:"WEAVE_WRITE_TIMEOUT"`
	ReadTimeout        time.Duration `env:"WEAVE_READ_TIMEOUT"`
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

func TransportSettingsFromEnv() (*TransportSettings, error) {
	settings := DefaultTransportSettings()
	if err := env.Parse(settings); err != nil {
		return nil, err
	}
	return settings, nil
}

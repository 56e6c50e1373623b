package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microalign/go-mac/transport"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, DefaultFiberCount, cfg.FiberCount())
	assert.Equal(t, DefaultIdentifyTimeout, cfg.IdentifyTimeout())
	assert.Equal(t, DefaultCommandTimeout, cfg.CommandTimeout())
	assert.Equal(t, transport.DefaultBaudRate, cfg.BaudRate())
	assert.NotNil(t, cfg.Logger())
}

func TestNewConfig_WithOptions(t *testing.T) {
	cfg, err := NewConfig(
		WithBaudRate(9600),
		WithFiberCount(4),
		WithIdentifyTimeout(2*time.Second),
		WithCommandTimeout(5*time.Second),
	)
	require.NoError(t, err)

	assert.Equal(t, 9600, cfg.BaudRate())
	assert.Equal(t, 4, cfg.FiberCount())
	assert.Equal(t, 2*time.Second, cfg.IdentifyTimeout())
	assert.Equal(t, 5*time.Second, cfg.CommandTimeout())
}

func TestNewConfig_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{name: "baud", opt: WithBaudRate(0)},
		{name: "fibers zero", opt: WithFiberCount(0)},
		{name: "fibers too many", opt: WithFiberCount(MaxFiberCount + 1)},
		{name: "identify timeout", opt: WithIdentifyTimeout(0)},
		{name: "command timeout", opt: WithCommandTimeout(-time.Second)},
		{name: "nil lister", opt: WithLister(nil)},
		{name: "nil opener", opt: WithOpener(nil)},
		{name: "nil logger", opt: WithLogger(nil)},
		{name: "bad mode", opt: WithMode(transport.Mode{BaudRate: 115200, Parity: "bogus"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.opt)
			assert.Error(t, err)
		})
	}
}

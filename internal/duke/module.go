package duke

import (
	"github.com/gridwatt/dukeusage/internal/auth"
	"github.com/gridwatt/dukeusage/internal/config"
	"go.uber.org/fx"
)

// Module provides the gateway client dependencies
var Module = fx.Module("duke",
	fx.Provide(
		func(m *auth.Manager, gw *config.GatewayConfig) *Client {
			return NewClient(m, gw.BaseURL)
		},
	),
)

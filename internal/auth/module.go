package auth

import (
	"go.uber.org/fx"
)

// Module provides the auth module dependencies
var Module = fx.Module("auth",
	fx.Provide(
		NewAuthorizer,
		func(a *Authorizer) Provider { return a },
		NewManager,
	),
)

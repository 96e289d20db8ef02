package auth

import (
	"github.com/smallbiznis/creditledger/internal/auth/service"
	"github.com/smallbiznis/creditledger/internal/auth/session"
	"go.uber.org/fx"
)

var Module = fx.Module("auth.service",
	fx.Provide(service.New),
	fx.Provide(service.NewCronGuard),
	session.Module,
)

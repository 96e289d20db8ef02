package subscription

import (
	consumptiondomain "github.com/smallbiznis/creditledger/internal/consumption/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"github.com/smallbiznis/creditledger/internal/subscription/repository"
	"github.com/smallbiznis/creditledger/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s subscriptiondomain.Service) consumptiondomain.TierResolver { return s }),
)

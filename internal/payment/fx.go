package payment

import (
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters"
	"github.com/smallbiznis/tenantbilling/internal/payment/repository"
	paymentservice "github.com/smallbiznis/tenantbilling/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(adapters.ProvideRegistry),
	fx.Provide(paymentservice.NewService),
)

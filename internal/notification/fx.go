package notification

import (
	"github.com/smallbiznis/tenantbilling/internal/notification/repository"
	"github.com/smallbiznis/tenantbilling/internal/notification/service"
	"go.uber.org/fx"
)

var Module = fx.Module("notification.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewLogSender),
	fx.Provide(service.NewService),
)

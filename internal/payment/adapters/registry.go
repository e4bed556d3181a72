package adapters

import (
	"sort"
	"strings"

	"github.com/smallbiznis/tenantbilling/internal/config"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters/gatewayhttp"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters/midtrans"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters/tripay"
	"github.com/smallbiznis/tenantbilling/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Registry holds the configured gateway instances by name.
type Registry struct {
	gateways map[string]domain.Gateway
}

func NewRegistry(gateways ...domain.Gateway) *Registry {
	registry := &Registry{gateways: map[string]domain.Gateway{}}
	for _, gateway := range gateways {
		if gateway == nil {
			continue
		}
		name := normalize(gateway.Name())
		if name == "" {
			continue
		}
		registry.gateways[name] = gateway
	}
	return registry
}

type RegistryParams struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

// ProvideRegistry builds one adapter per gateway with credentials in cfg.
// Gateways without credentials are left out and logged.
func ProvideRegistry(p RegistryParams) (*Registry, error) {
	log := p.Log.Named("payment.registry")
	client := gatewayhttp.New(gatewayhttp.Options{
		RetryMax: p.Cfg.Gateways.HTTPRetryMax,
		Timeout:  p.Cfg.Gateways.HTTPTimeout,
	}, p.Log.Named("payment.http"))

	var gateways []domain.Gateway
	if mt := p.Cfg.Gateways.Midtrans; mt.ServerKey != "" {
		adapter, err := midtrans.New(midtrans.Config{
			ServerKey:  mt.ServerKey,
			Production: mt.Production,
			BaseURL:    mt.BaseURL,
		}, client, p.Log)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, adapter)
	} else {
		log.Info("gateway not configured", zap.String("gateway", midtrans.Name))
	}

	if tp := p.Cfg.Gateways.Tripay; tp.APIKey != "" || tp.PrivateKey != "" {
		adapter, err := tripay.New(tripay.Config{
			APIKey:        tp.APIKey,
			PrivateKey:    tp.PrivateKey,
			MerchantCode:  tp.MerchantCode,
			Production:    tp.Production,
			BaseURL:       tp.BaseURL,
			DefaultMethod: tp.DefaultMethod,
			ExpiryHours:   tp.ExpiryHours,
		}, client, p.Log)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, adapter)
	} else {
		log.Info("gateway not configured", zap.String("gateway", tripay.Name))
	}

	registry := NewRegistry(gateways...)
	log.Info("payment gateways ready", zap.Strings("gateways", registry.Names()))
	return registry, nil
}

func (r *Registry) Get(name string) (domain.Gateway, error) {
	if r == nil {
		return nil, domain.ErrGatewayNotFound
	}
	gateway, ok := r.gateways[normalize(name)]
	if !ok {
		return nil, domain.ErrGatewayNotFound
	}
	return gateway, nil
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

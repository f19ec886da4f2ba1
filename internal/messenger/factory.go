// Package messenger holds the three WhatsApp transport drivers and the
// factory that selects between them.
package messenger

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"

	"lrmgateway/internal/config"
	"lrmgateway/internal/domain"
	"lrmgateway/internal/rpc"
)

// Factory creates and caches the single active messenger. It is an explicit
// object handed to the HTTP facade and the rpc server at construction, not
// package state, and the check-then-create is guarded by a mutex.
//
// The config is captured once: later Get calls return the cached instance and
// never re-read it. Reset tears the instance down so the next Get constructs
// fresh from the factory's config.
type Factory struct {
	cfg    config.WhatsAppConfig
	logger *slog.Logger

	mu     sync.Mutex
	active domain.Messenger
}

func NewFactory(cfg config.WhatsAppConfig, logger *slog.Logger) *Factory {
	return &Factory{cfg: cfg, logger: logger}
}

// Get returns the active messenger, constructing it on first call. Variant
// selection follows strict precedence: RPC flag, then Cloud API flag, then
// the web automation default. Each flag falls back to its environment toggle
// when unset in config.
func (f *Factory) Get(ctx context.Context) (domain.Messenger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.active != nil {
		return f.active, nil
	}

	m, err := f.build()
	if err != nil {
		return nil, err
	}
	f.active = m
	f.logger.Info("messenger created", "transport", m.Kind())
	return m, nil
}

func (f *Factory) build() (domain.Messenger, error) {
	switch {
	case f.cfg.UseRPC || envBool(config.EnvUseRPC):
		command := f.cfg.RPC.Command
		args := f.cfg.RPC.Args
		if command == "" {
			command = os.Getenv(config.EnvRPCCommand)
		}
		client := rpc.NewClient(command, args, f.logger)
		return NewRPC(client, f.logger), nil

	case f.cfg.UseCloudAPI || envBool(config.EnvUseCloud):
		cloud := f.cfg.Cloud
		if cloud.AccessToken == "" {
			cloud.AccessToken = os.Getenv(config.EnvAccessToken)
		}
		if cloud.PhoneNumberID == "" {
			cloud.PhoneNumberID = os.Getenv(config.EnvPhoneNumberID)
		}
		if cloud.VerifyToken == "" {
			cloud.VerifyToken = os.Getenv(config.EnvVerifyToken)
		}
		if cloud.AppSecret == "" {
			cloud.AppSecret = os.Getenv(config.EnvAppSecret)
		}
		return NewCloud(cloud, f.cfg.CountryCode, f.logger)

	default:
		return NewWeb(f.cfg.Web, f.cfg.CountryCode, f.logger), nil
	}
}

// Reset disconnects the active messenger and clears the slot. Disconnect
// errors are logged, not returned: the slot is cleared either way.
func (f *Factory) Reset(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.active == nil {
		return
	}
	if err := f.active.Disconnect(ctx); err != nil {
		f.logger.Error("disconnect during reset failed", "transport", f.active.Kind(), "err", err)
	}
	f.active = nil
}

func envBool(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return v == "1" || v == "true" || v == "yes"
}

// Command sigsend-demo sends one message to one recipient address using the
// sigsend dispatch core, wiring together a SessionStore backend, the default
// HTTP SignalTransport, and (optionally) a JWT credential fetched once for
// bearer auth; the credential's refresh loop is not started.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlaschat/sigsend/crypto/session"
	"github.com/atlaschat/sigsend/credential"
	"github.com/atlaschat/sigsend/dispatch"
	"github.com/atlaschat/sigsend/transport/sighttp"
)

// initializer is implemented by store backends that run a migration or
// index-creation step before first use (memory's Init is a no-op).
type initializer interface {
	Init(ctx context.Context) error
}

func main() {
	cfg := loadConfig()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.NewConsoleWriter()).Level(level).With().Timestamp().Logger()
	ctx := logger.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg config) error {
	log := zerolog.Ctx(ctx)

	store, err := buildStore(cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if init, ok := store.(initializer); ok {
		if err := init.Init(ctx); err != nil {
			return fmt.Errorf("store init: %w", err)
		}
	}

	if err := ensureIdentity(store, cfg.LocalDeviceID); err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	transport := sighttp.New(cfg.ServerURL)
	if cfg.AuthToken != "" {
		cred := credential.New(staticSource{token: cfg.AuthToken})
		if err := cred.Refresh(ctx); err == nil {
			transport.AuthToken = cred.Token
		} else {
			log.Warn().Err(err).Msg("auth token is not a JWT; sending unauthenticated")
		}
	}

	msg := dispatch.NewOutgoingMessage(transport, store, time.Now().UnixMilli(), []byte(cfg.Message))
	msg.OnSent(func(e dispatch.SentEntry) {
		log.Info().Str("addr", e.Addr).Int64("timestamp", e.Timestamp).Msg("sent")
	})
	msg.OnError(func(e dispatch.ErrorEntry) {
		log.Error().Str("addr", e.Addr).Str("reason", e.Reason).Err(e.Err).Msg("send failed")
	})
	msg.OnKeyChange(func(e *dispatch.IdentityKeyError) {
		log.Warn().Str("addr", e.Addr).Uint32("deviceId", e.DeviceID).Msg("identity key changed; rejecting by default")
	})

	msg.SendToAddr(ctx, cfg.ToAddr)

	if len(msg.Errors()) > 0 {
		return fmt.Errorf("dispatch to %s failed: %+v", cfg.ToAddr, msg.Errors())
	}
	return nil
}

// ensureIdentity generates a local identity key pair on first run.
func ensureIdentity(store dispatch.SessionStore, localDeviceID uint32) error {
	existing, err := store.GetIdentityKeyPair()
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	ikp, err := session.GenerateIdentityKeyPair()
	if err != nil {
		return err
	}
	if err := store.SaveIdentityKeyPair(ikp); err != nil {
		return err
	}
	if setter, ok := store.(interface{ SetLocalDeviceID(uint32) error }); ok {
		return setter.SetLocalDeviceID(localDeviceID)
	}
	return nil
}

type staticSource struct{ token string }

func (s staticSource) FetchToken(ctx context.Context) (string, error) { return s.token, nil }

package business

import (
	"context"
	"fmt"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-guard/internal/authority"
	"github.com/openkcm/session-guard/internal/authority/authoritycache"
	"github.com/openkcm/session-guard/internal/authority/authorityvalkey"
	"github.com/openkcm/session-guard/internal/business/server"
	"github.com/openkcm/session-guard/internal/config"
	"github.com/openkcm/session-guard/pkg/cookiestore"
	"github.com/openkcm/session-guard/pkg/csrf"
	"github.com/openkcm/session-guard/pkg/fingerprint"
	"github.com/openkcm/session-guard/pkg/gateway"
)

// GatewayMain serves the gateway until ctx is cancelled.
func GatewayMain(ctx context.Context, cfg *config.Config) error {
	gw, closeFn, err := initGateway(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the gateway: %w", err)
	}

	defer closeFn()

	return server.StartHTTPServer(ctx, cfg, gw)
}

func initGateway(ctx context.Context, cfg *config.Config) (_ *gateway.Gateway, closeFn func(), _ error) {
	if err := config.LoadSecrets(cfg); err != nil {
		return nil, nil, err
	}

	repo, closeFn, err := initRepository(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	gw, err := newGateway(cfg, repo)
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	return gw, closeFn, nil
}

func newGateway(cfg *config.Config, repo authority.Repository) (*gateway.Gateway, error) {
	auth, err := authority.New(cfg.Authority, repo)
	if err != nil {
		return nil, fmt.Errorf("creating authority: %w", err)
	}

	cookieTemplate := authority.CreateSecureCookieOptions(cfg.Gateway.Production)
	cookieTemplate.Domain = cfg.Gateway.CookieDomain

	cookies, err := cookiestore.New(cookieTemplate, cfg.Gateway.CookieSecretParsed)
	if err != nil {
		return nil, fmt.Errorf("creating cookie store: %w", err)
	}

	csrfService, err := csrf.NewService(cfg.Gateway.CSRFSecretParsed, csrf.WithTTL(cfg.Gateway.CSRFTokenTTL))
	if err != nil {
		return nil, fmt.Errorf("creating csrf service: %w", err)
	}

	extractor, err := fingerprint.NewExtractor(cfg.Gateway.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("parsing trusted proxies: %w", err)
	}

	gw, err := gateway.New(auth, cookies, csrfService, extractor,
		gateway.WithProtectedRoutes(server.PingRoutes),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gateway: %w", err)
	}

	return gw, nil
}

// initRepository picks where the authority keeps consumed refresh tokens and
// revoked families. The in-memory store only suits a single gateway instance.
func initRepository(ctx context.Context, cfg *config.Config) (_ authority.Repository, closeFn func(), _ error) {
	switch cfg.Authority.Store {
	case config.StoreTypeMemory, "":
		slogctx.Warn(ctx, "Using the in-memory authority store; revocations are not shared between instances")
		return authoritycache.NewRepository(), func() {}, nil
	case config.StoreTypeValKey:
		client, err := newValKeyClient(cfg.ValKey)
		if err != nil {
			return nil, nil, err
		}
		return authorityvalkey.NewRepository(client, cfg.ValKey.Prefix), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown authority store %q", cfg.Authority.Store)
	}
}

func newValKeyClient(conf config.ValKey) (valkey.Client, error) {
	host, user, password, err := config.ValKeyCredentials(conf)
	if err != nil {
		return nil, err
	}

	valkeyOpts := valkey.ClientOption{
		InitAddress: []string{host},
		Username:    user,
		Password:    password,
	}

	if conf.SecretRef.Type == commoncfg.MTLSSecretType {
		tlsConfig, err := commoncfg.LoadMTLSConfig(&conf.SecretRef.MTLS)
		if err != nil {
			return nil, fmt.Errorf("loading valkey mTLS config from secret ref: %w", err)
		}

		valkeyOpts.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(valkeyOpts)
	if err != nil {
		return nil, fmt.Errorf("creating a new valkey client: %w", err)
	}

	return client, nil
}

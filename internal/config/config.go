// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	HTTP HTTPServer `yaml:"http"`

	ValKey    ValKey    `yaml:"valkey"`
	Authority Authority `yaml:"authority"`
	Gateway   Gateway   `yaml:"gateway"`
	Client    Client    `yaml:"client"`
}

type HTTPServer struct {
	Address         string        `yaml:"address" default:":8080"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
}

type ValKey struct {
	Host      commoncfg.SourceRef `yaml:"host"`
	User      commoncfg.SourceRef `yaml:"user"`
	Password  commoncfg.SourceRef `yaml:"password"`
	Prefix    string              `yaml:"prefix" default:"session-guard"`
	SecretRef commoncfg.SecretRef `yaml:"secretRef"`
}

type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeValKey StoreType = "valkey"
)

// Authority configures the token issuing authority.
type Authority struct {
	Issuer          string              `yaml:"issuer" default:"session-guard"`
	SigningSecret   commoncfg.SourceRef `yaml:"signingSecret"`
	AccessTokenTTL  time.Duration       `yaml:"accessTokenTTL" default:"15m"`
	RefreshTokenTTL time.Duration       `yaml:"refreshTokenTTL" default:"168h"`
	Store           StoreType           `yaml:"store" default:"memory"`
	Users           []User              `yaml:"users"`

	// SigningSecretParsed is filled from SigningSecret at start up.
	SigningSecretParsed []byte `yaml:"-"`
}

type User struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"passwordHash"`
	Level        string `yaml:"level"`
}

type Gateway struct {
	Production     bool                `yaml:"production"`
	CSRFSecret     commoncfg.SourceRef `yaml:"csrfSecret"`
	CSRFTokenTTL   time.Duration       `yaml:"csrfTokenTTL" default:"30m"`
	CookieSecret   commoncfg.SourceRef `yaml:"cookieSecret"`
	CookieDomain   string              `yaml:"cookieDomain"`
	TrustedProxies []string            `yaml:"trustedProxies"`

	CSRFSecretParsed   []byte `yaml:"-"`
	CookieSecretParsed []byte `yaml:"-"`
}

// Client configures the client side session coordinator.
type Client struct {
	GatewayURL        string              `yaml:"gatewayURL" default:"http://localhost:8080"`
	RealtimePath      string              `yaml:"realtimePath" default:"/realtime"`
	Username          string              `yaml:"username"`
	Password          commoncfg.SourceRef `yaml:"password"`
	SessionTimeout    time.Duration       `yaml:"sessionTimeout" default:"10m"`
	WarningLead       time.Duration       `yaml:"warningLead" default:"60s"`
	RefreshMargin     time.Duration       `yaml:"refreshMargin" default:"60s"`
	CSRFRenewInterval time.Duration       `yaml:"csrfRenewInterval" default:"25m"`
	RequestTimeout    time.Duration       `yaml:"requestTimeout" default:"10s"`
}

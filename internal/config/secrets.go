package config

import (
	"errors"
	"fmt"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

const minSecretLength = 32

var ErrSecretTooShort = fmt.Errorf("secret must be at least %d bytes", minSecretLength)

// LoadSecrets resolves the secret source references of the gateway and the
// authority into their parsed fields.
func LoadSecrets(cfg *Config) error {
	var err error

	cfg.Authority.SigningSecretParsed, err = loadSecret(cfg.Authority.SigningSecret)
	if err != nil {
		return fmt.Errorf("loading authority signing secret: %w", err)
	}

	cfg.Gateway.CSRFSecretParsed, err = loadSecret(cfg.Gateway.CSRFSecret)
	if err != nil {
		return fmt.Errorf("loading csrf secret: %w", err)
	}

	cfg.Gateway.CookieSecretParsed, err = loadSecret(cfg.Gateway.CookieSecret)
	if err != nil {
		return fmt.Errorf("loading cookie secret: %w", err)
	}

	return nil
}

func loadSecret(ref commoncfg.SourceRef) ([]byte, error) {
	secret, err := commoncfg.LoadValueFromSourceRef(ref)
	if err != nil {
		return nil, err
	}
	if len(secret) < minSecretLength {
		return nil, ErrSecretTooShort
	}

	return secret, nil
}

// ValKeyCredentials returns the host, user and password of the valkey instance.
func ValKeyCredentials(conf ValKey) (host, user, password string, _ error) {
	hostVal, err := commoncfg.LoadValueFromSourceRef(conf.Host)
	if err != nil {
		return "", "", "", fmt.Errorf("loading valkey host: %w", err)
	}
	if len(hostVal) == 0 {
		return "", "", "", errors.New("valkey host is empty")
	}

	userVal, err := commoncfg.LoadValueFromSourceRef(conf.User)
	if err != nil {
		return "", "", "", fmt.Errorf("loading valkey user: %w", err)
	}

	passwordVal, err := commoncfg.LoadValueFromSourceRef(conf.Password)
	if err != nil {
		return "", "", "", fmt.Errorf("loading valkey password: %w", err)
	}

	return string(hostVal), string(userVal), string(passwordVal), nil
}

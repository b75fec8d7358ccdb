//go:build integration

package integration_test

import (
	"context"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/openkcm/session-guard/internal/config"
	"github.com/openkcm/session-guard/internal/dbtest/valkeytest"
)

const (
	username = "alice"
	password = "wonderland"
)

type closeFunc func(ctx context.Context)

type infraStat struct {
	ValKeyPort     nat.Port
	ConfigFilePath string
	Procdir        string
	Cfg            config.Config

	closeFuncs []closeFunc
}

func initInfra(t *testing.T, exeName string) (istat infraStat) {
	t.Helper()

	// The config is read from $PWD/config.yaml, so every process runs in its
	// own subdirectory.
	wd, err := os.Getwd()
	require.NoError(t, err, "failed to get wd")
	istat.Procdir = filepath.Join(wd, exeName+"-test")
	istat.ConfigFilePath = filepath.Join(istat.Procdir, "config.yaml")

	err = os.MkdirAll(istat.Procdir, fs.ModePerm)
	require.NoError(t, err, "failed to create a dir for the process")

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	address := freeAddress(t)
	istat.Cfg = config.Config{
		BaseConfig: commoncfg.BaseConfig{
			Application: commoncfg.Application{Name: "session-guard", Environment: "integration"},
		},
		HTTP: config.HTTPServer{Address: address, ShutdownTimeout: 5 * time.Second},
		Authority: config.Authority{
			Issuer:          "session-guard",
			SigningSecret:   commoncfg.SourceRef{Source: "embedded", Value: "0123456789abcdef0123456789abcdef"},
			AccessTokenTTL:  15 * time.Minute,
			RefreshTokenTTL: 24 * time.Hour,
			Store:           config.StoreTypeMemory,
			Users:           []config.User{{Username: username, PasswordHash: string(hash), Level: "admin"}},
		},
		Gateway: config.Gateway{
			CSRFSecret:   commoncfg.SourceRef{Source: "embedded", Value: "abcdefghijklmnopqrstuvwxyz012345"},
			CSRFTokenTTL: 30 * time.Minute,
			CookieSecret: commoncfg.SourceRef{Source: "embedded", Value: "fedcba9876543210fedcba9876543210"},
		},
		Client: config.Client{
			GatewayURL:        "http://" + address,
			RealtimePath:      "/realtime",
			Username:          username,
			Password:          commoncfg.SourceRef{Source: "embedded", Value: password},
			SessionTimeout:    10 * time.Minute,
			WarningLead:       time.Minute,
			RefreshMargin:     time.Minute,
			CSRFRenewInterval: 25 * time.Minute,
			RequestTimeout:    5 * time.Second,
		},
	}

	return istat
}

func freeAddress(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().String()
}

func (istat *infraStat) PrepareValKey(t *testing.T) {
	t.Helper()

	inst, err := valkeytest.Start(t.Context())
	require.NoError(t, err, "failed to start valkey")

	istat.ValKeyPort = inst.Port
	istat.closeFuncs = append(istat.closeFuncs, inst.Terminate)

	istat.Cfg.Authority.Store = config.StoreTypeValKey
	istat.Cfg.ValKey.Host = commoncfg.SourceRef{Source: "embedded", Value: inst.Addr()}
	istat.Cfg.ValKey.User = commoncfg.SourceRef{Source: "embedded", Value: ""}
	istat.Cfg.ValKey.Password = commoncfg.SourceRef{Source: "embedded", Value: ""}
	istat.Cfg.ValKey.Prefix = "session-guard-integration"
}

// PrepareConfig writes a config file for running the test into the ConfigFilePath.
func (istat *infraStat) PrepareConfig(t *testing.T) {
	t.Helper()

	configFile, err := os.Create(istat.ConfigFilePath)
	require.NoError(t, err, "failed to create config file")

	err = yaml.NewEncoder(configFile).Encode(istat.Cfg)
	require.NoError(t, err, "failed to write config")
	configFile.Close()
}

// StartGateway runs the gateway in the background until the test ends and
// waits for it to accept connections.
func (istat *infraStat) StartGateway(t *testing.T, binaryPath string, logOut io.Writer) {
	t.Helper()

	cmd := exec.CommandContext(t.Context(), binaryPath, "gateway")
	cmd.Dir = istat.Procdir
	cmd.Stdout = logOut
	cmd.Stderr = logOut

	require.NoError(t, cmd.Start(), "could not start the gateway")
	t.Cleanup(func() {
		// a graceful stop writes the coverprofiles
		_ = syscall.Kill(cmd.Process.Pid, syscall.SIGTERM)
		_ = cmd.Wait()
	})

	require.Eventually(t, func() bool {
		resp, err := http.Get(istat.Cfg.Client.GatewayURL + "/auth/session")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusUnauthorized
	}, 20*time.Second, 100*time.Millisecond, "gateway did not come up")
}

func (istat *infraStat) Close(ctx context.Context) {
	os.Remove(istat.ConfigFilePath)
	os.RemoveAll(istat.Procdir)

	for _, close := range istat.closeFuncs {
		close(ctx)
	}
}

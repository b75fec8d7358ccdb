package cmdutils

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/openkcm/common-sdk/pkg/health"
	"github.com/stretchr/testify/assert"

	"github.com/openkcm/session-guard/internal/config"
)

func TestCobraCommand(t *testing.T) {
	businessFunc := func(context.Context, *config.Config) error {
		return nil
	}

	t.Run("creates command with correct properties", func(t *testing.T) {
		wrapperFunc := func(ctx context.Context, fn BusinessFunc, cfg *config.Config) error {
			return fn(ctx, cfg)
		}

		cmd := CobraCommand("test-cmd", "short desc", "long description", "v1.0.0", wrapperFunc, businessFunc)

		assert.Equal(t, "test-cmd", cmd.Use)
		assert.Equal(t, "short desc", cmd.Short)
		assert.Equal(t, "long description", cmd.Long)
		assert.NotNil(t, cmd.RunE)
	})

	t.Run("RunE returns error when config loading fails", func(t *testing.T) {
		called := false
		wrapperFunc := func(context.Context, BusinessFunc, *config.Config) error {
			called = true
			return errors.New("wrapper error")
		}

		cmd := CobraCommand("test", "short", "long", "v1.0.0", wrapperFunc, businessFunc)
		cmd.SetArgs([]string{})

		// no config file exists in the test directory
		err := cmd.Execute()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "loading config")
		assert.False(t, called)
	})
}

func TestStatusListener(t *testing.T) {
	tests := []struct {
		name  string
		state health.State
	}{
		{
			name:  "empty state",
			state: health.State{Status: "up", CheckState: map[string]health.CheckState{}},
		},
		{
			name: "passing check",
			state: health.State{
				Status:     "up",
				CheckState: map[string]health.CheckState{"valkey": {Status: "up"}},
			},
		},
		{
			name: "failing check",
			state: health.State{
				Status: "down",
				CheckState: map[string]health.CheckState{
					"valkey": {Status: "down", Result: errors.New("connection refused")},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				statusListener(context.Background(), tt.state)
			})
		})
	}
}

func TestHealthStatusTimeout(t *testing.T) {
	assert.Equal(t, 5*time.Second, healthStatusTimeout)
}

func ExampleCobraCommand() {
	businessFunc := func(context.Context, *config.Config) error {
		fmt.Println("Running business logic")
		return nil
	}

	wrapperFunc := func(ctx context.Context, fn BusinessFunc, cfg *config.Config) error {
		fmt.Println("Wrapper function called")
		return fn(ctx, cfg)
	}

	cmd := CobraCommand(
		"example",
		"Example command",
		"This is an example of how to use CobraCommand",
		"v1.0.0",
		wrapperFunc,
		businessFunc,
	)

	fmt.Printf("Command use: %s\n", cmd.Use)
	// Output: Command use: example
}

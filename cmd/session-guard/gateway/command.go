package gateway

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/session-guard/internal/business"
	"github.com/openkcm/session-guard/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"gateway",
		"Session Guard gateway",
		"Session Guard gateway authenticates every request from the credential cookies, "+
			"rotates token pairs, enforces CSRF tokens and serves the realtime channel.",
		buildInfo,
		cmdutils.RunAsService,
		business.GatewayMain,
	)
}

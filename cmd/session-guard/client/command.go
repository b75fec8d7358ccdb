package client

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/session-guard/internal/business"
	"github.com/openkcm/session-guard/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"client",
		"Session Guard client",
		"Session Guard client logs in to a gateway and keeps the session alive: it refreshes "+
			"tokens ahead of expiry, renews the CSRF token and logs out after inactivity. "+
			"Lines on stdin count as activity; status, ping and logout are understood as commands.",
		buildInfo,
		cmdutils.RunAsJob,
		business.ClientMain,
	)
}

package main

import (
	"context"
	"os"

	"github.com/agentworkforce/fieldsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		cli.ReportError(cmd, err)
		os.Exit(cli.GetExitCode(err))
	}
}

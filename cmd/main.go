package main

import (
	"os"

	"gitlab.com/vmfleet.net/internal/cli"
	logger2 "gitlab.com/vmfleet.net/internal/global/logger"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		logger2.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/zjy-dev/ropsynth/cmd/ropsynth/app"
	"github.com/zjy-dev/ropsynth/internal/logger"
)

func main() {
	err := app.NewRopsynthCommand().Execute()
	logger.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

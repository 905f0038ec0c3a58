package main

import (
	"os"

	"github.com/dmreyes/agentfund/internal/app"
)

func main() {
	runner := app.NewRunner()
	os.Exit(runner.Run(os.Args[1:]))
}

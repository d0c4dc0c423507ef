package main

import (
	"os"

	"github.com/switchboard-ai/switchboard/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}

package main

import (
	"os"

	"github.com/luigidev/luigi/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}

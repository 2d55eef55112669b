package main

import (
	"os"

	_ "time/tzdata"

	"example.com/tracker/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}

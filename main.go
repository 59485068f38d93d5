package main

import (
	_ "modernc.org/sqlite"

	"github.com/statewipe/statewipe/cmd"
)

func main() {
	cmd.Execute()
}

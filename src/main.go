package main

import (
	"fmt"
	"os"

	"schemadb/src/cli"
)

func main() {
	if err := cli.New(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

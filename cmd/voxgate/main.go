package main

import (
	"fmt"
	"os"

	"github.com/soyeahso/voxgate/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "voxgate:", err)
		os.Exit(1)
	}
}

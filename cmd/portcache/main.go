package main

import (
	"fmt"
	"os"

	"github.com/xarblu/portcache/supervisor"
)

func main() {
	if err := supervisor.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

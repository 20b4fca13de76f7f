package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "lecollecteur: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"log"

	"go.interpose.dev/interpose/pkg/interposecmd"
)

func main() {
	if err := interposecmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

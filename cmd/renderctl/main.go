// Command renderctl drives the render pipeline from the command line.
//
//	renderctl render -f request.yaml   # plan, render, combine and clean up in-process
//	renderctl plan -f request.yaml     # print the chunk plan only
//	renderctl worker                   # consume chunks from the redis queue
//	renderctl cleanup <output name>    # delete leftover chunk artifacts
//	renderctl status <output name>     # report whether the final video exists
//
// Configuration comes from the environment (and .env), same as the API.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

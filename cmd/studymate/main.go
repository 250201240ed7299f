// Package main is the entry point for the studymate service.
package main

import (
	_ "go.uber.org/automaxprocs/maxprocs"

	"github.com/kart-io/studymate/cmd/studymate/app"
)

func main() {
	app.NewApp().Run()
}

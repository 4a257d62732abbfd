package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/autopeer-io/flashota/cmd/flashota-ctl/app"
)

func main() {
	app.NewApp().Run()
}

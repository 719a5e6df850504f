package main

import (
	"context"

	"meshcall/internal"
	"meshcall/pkg/log"
)

func main() {
	log.SetupLogger(false)

	app := internal.NewApp()

	if err := app.Setup(); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	if err := app.Run(ctx, cancel); err != nil {
		log.Fatal(err)
	}
}

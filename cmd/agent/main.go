package main

import (
	"context"
	"log"

	"github.com/visagepay/visage-go/internal/app"
	"github.com/visagepay/visage-go/internal/config"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	if err := application.Run(context.Background()); err != nil {
		log.Fatalf("application error: %v", err)
	}
}

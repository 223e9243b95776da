package main

import (
	"log"

	"github.com/MrSnakeDoc/autostartstop/internal/app"
)

func main() {
	if err := app.New().Run(); err != nil {
		log.Fatalf("❌ autostartstop failed: %v", err)
	}
}

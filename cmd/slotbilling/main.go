package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ManuelReschke/SlotBilling/internal/pkg/env"
)

const shutdownTimeout = 15 * time.Second

func main() {
	application := NewApplication()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down...")
		if err := application.App.ShutdownWithTimeout(shutdownTimeout); err != nil {
			log.Printf("HTTP shutdown failed: %v", err)
		}
	}()

	err := application.App.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	application.Close()
	if err != nil {
		log.Fatal(err)
	}
}

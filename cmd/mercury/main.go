package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// Secrets such as MERCURY_DISCORD_TOKEN may live in a local .env file.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

func main() {
	loadEnvFiles()
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// loadEnvFiles loads the first .env files found. Variables already set in the
// environment win over file values.
func loadEnvFiles() {
	envFiles := []string{".env", "sdforge.env"}
	if home, err := os.UserHomeDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(home, ".config", "sdforge.env"))
	}

	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err != nil {
			continue
		}
		// Use fmt here since the logger isn't initialized yet
		if err := godotenv.Load(envFile); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to load %s: %v\n", envFile, err)
		}
	}
}

package main

import (
	"os"

	"openeo-job-tracker/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Command clipscribe downloads short-form videos, transcribes their audio and serves the results.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "clipscribe",
	Short:         "Short-form video transcription service",
	Long:          "clipscribe fetches a short-form video's audio with yt-dlp, transcribes it with a Whisper-compatible API and tags the result.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

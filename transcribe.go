package main

import (
	"encoding/json"
	"fmt"
	"os"

	"clipscribe/task"

	"github.com/spf13/cobra"
)

var (
	transcribeCallback string
	transcribeProxy    string
	transcribeText     bool
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <url>",
	Short: "Fetch, transcribe and tag one video synchronously",
	Long:  "Records a task for the URL, runs the whole pipeline in the foreground and prints the final task record as JSON.",
	Args:  cobra.ExactArgs(1),
	RunE:  runTranscribe,
}

func init() {
	transcribeCmd.Flags().StringVar(&transcribeCallback, "callback-url", "", "URL notified when the task finishes")
	transcribeCmd.Flags().StringVar(&transcribeProxy, "proxy", "", "Proxy for the download (overrides PROXY)")
	transcribeCmd.Flags().BoolVar(&transcribeText, "text", false, "Print only the transcript text")
	rootCmd.AddCommand(transcribeCmd)
}

func runTranscribe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.manager.Create(ctx, task.SubmitRequest{
		URL:         args[0],
		CallbackURL: transcribeCallback,
		Proxy:       transcribeProxy,
	})
	if err != nil {
		return err
	}
	t, err = a.manager.Run(ctx, t.ID, task.RunOptions{CallbackURL: transcribeCallback, Proxy: transcribeProxy})
	if err != nil {
		return err
	}

	if transcribeText && t.Status == task.StatusCompleted {
		fmt.Fprint(os.Stdout, t.Transcript)
	} else {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(t); err != nil {
			return err
		}
	}
	if t.Status == task.StatusFailed {
		return fmt.Errorf("task %s failed: %s", t.ID, t.Error)
	}
	return nil
}

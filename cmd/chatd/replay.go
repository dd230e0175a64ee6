package main

import (
	"fmt"
	"io"

	"github.com/lk2023060901/ai-chat-stream/internal/chat/stream"
	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay <recording.yaml>",
	Short: "Replay a recorded event stream and print the final message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := stream.LoadRecording(args[0])
		if err != nil {
			return err
		}
		return printReplay(cmd.OutOrStdout(), rec)
	},
}

func printReplay(w io.Writer, rec *stream.Recording) error {
	state, skipped := stream.ReplayFrames(rec.Frames())

	fmt.Fprintf(w, "recording:  %s\n", rec.Name)
	fmt.Fprintf(w, "events:     %d (%d skipped)\n", len(rec.Events), skipped)
	fmt.Fprintf(w, "status:     %s\n", state.Status)
	if state.ResponseID != "" {
		fmt.Fprintf(w, "response:   %s\n", state.ResponseID)
	}
	if state.ErrMessage != "" {
		fmt.Fprintf(w, "error:      %s %s\n", state.ErrCode, state.ErrMessage)
	}
	for _, step := range state.Reasoning {
		fmt.Fprintf(w, "reasoning:  %s\n", step.Content)
	}
	for _, call := range state.ToolCalls {
		fmt.Fprintf(w, "tool call:  %s %s (%s)\n", call.Type, call.Name, call.Status)
	}
	for _, c := range state.Citations {
		fmt.Fprintf(w, "citation:   %s %s\n", c.Title, c.URL)
	}
	if u := state.Usage; u != nil {
		fmt.Fprintf(w, "usage:      %d in, %d out, %d total\n", u.InputTokens, u.OutputTokens, u.TotalTokens)
	}
	fmt.Fprintf(w, "\n%s\n", state.Content())

	if exp := rec.Expect; exp != nil {
		if exp.Content != state.Content() || exp.Status != state.Status.String() {
			return fmt.Errorf("replay ended %s with %q, recording expects %s with %q",
				state.Status, state.Content(), exp.Status, exp.Content)
		}
	}
	return nil
}

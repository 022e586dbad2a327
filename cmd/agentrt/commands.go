package main

import (
	"github.com/spf13/cobra"
)

func buildRunCmd(root *rootOptions) *cobra.Command {
	var (
		threadID    string
		model       string
		interactive bool
	)
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Start a turn and stream the reply",
		Long: `Start a turn on a thread and stream the reply to stdout.

When a tool call needs review the command prompts on stdin for a decision
per pending action: approve, edit with new JSON arguments, or reject.
Pass --interactive=false to stop at the interrupt and resume later.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, root, threadID, model, args[0], interactive)
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Thread ID (a new one is generated when empty)")
	cmd.Flags().StringVar(&model, "model", "", "Model override for this turn, e.g. openai:gpt-4.1")
	cmd.Flags().BoolVar(&interactive, "interactive", true, "Prompt for decisions when the turn is interrupted")
	return cmd
}

func buildResumeCmd(root *rootOptions) *cobra.Command {
	var (
		threadID  string
		decisions string
	)
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resolve a pending interrupt",
		Long: `Resolve the pending interrupt of a thread with one decision per action,
in the order the actions were listed, for example:

  agentrt resume --thread demo --decisions '[{"type":"edit","arguments":{"location":"San Francisco"}}]'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd, root, threadID, decisions)
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Thread ID")
	cmd.Flags().StringVar(&decisions, "decisions", "", "JSON array of decisions")
	_ = cmd.MarkFlagRequired("thread")
	_ = cmd.MarkFlagRequired("decisions")
	return cmd
}

func buildStateCmd(root *rootOptions) *cobra.Command {
	var (
		threadID string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show a thread's conversation and pending interrupt",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runState(cmd, root, threadID, asJSON)
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Thread ID")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the state as JSON")
	_ = cmd.MarkFlagRequired("thread")
	return cmd
}

func buildBatchCmd(root *rootOptions) *cobra.Command {
	var maxConcurrency int
	cmd := &cobra.Command{
		Use:   "batch [prompt...]",
		Short: "Run independent prompts concurrently on fresh threads",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, root, args, maxConcurrency)
		},
	}
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "Maximum turns in flight (defaults to runtime.batch_concurrency)")
	return cmd
}

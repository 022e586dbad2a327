package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/martinemde/agentrt/agent"
	"github.com/martinemde/agentrt/llm"
)

func runRun(cmd *cobra.Command, root *rootOptions, threadID, model, prompt string, interactive bool) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx, root)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if strings.TrimSpace(threadID) == "" {
		threadID = uuid.NewString()
		fmt.Fprintf(cmd.ErrOrStderr(), "thread: %s\n", threadID)
	}
	in := agent.UserInput(prompt)
	in.Model = model

	s, err := a.rt.Stream(ctx, threadID, in)
	if err != nil {
		return err
	}
	res, err := printStream(cmd.OutOrStdout(), s)
	if err != nil {
		return err
	}
	return reviewLoop(cmd, a.rt, threadID, res, interactive, a.durable())
}

// reviewLoop prompts for decisions until the thread completes. Without
// interactive review a paused turn can only be resumed later when durable.
func reviewLoop(cmd *cobra.Command, rt *agent.Runtime, threadID string, res *agent.Result, interactive, durable bool) error {
	ctx := cmd.Context()
	in := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()
	for res.Status == agent.StatusAwaitingDecision {
		if !interactive {
			pauseNotice(out, threadID, durable)
			return nil
		}
		decisions, err := promptDecisions(in, out, res.Interrupt)
		if err != nil {
			return err
		}
		s, err := rt.StreamResume(ctx, threadID, decisions)
		if err != nil {
			return err
		}
		if res, err = printStream(out, s); err != nil {
			return err
		}
	}
	return nil
}

func runResume(cmd *cobra.Command, root *rootOptions, threadID, rawDecisions string) error {
	var decisions []agent.Decision
	if err := json.Unmarshal([]byte(rawDecisions), &decisions); err != nil {
		return fmt.Errorf("decode decisions: %w", err)
	}

	ctx := cmd.Context()
	a, err := loadApp(ctx, root)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	s, err := a.rt.StreamResume(ctx, threadID, decisions)
	if err != nil {
		return err
	}
	res, err := printStream(cmd.OutOrStdout(), s)
	if err != nil {
		return err
	}
	return reviewLoop(cmd, a.rt, threadID, res, false, a.durable())
}

func pauseNotice(out io.Writer, threadID string, durable bool) {
	if durable {
		fmt.Fprintf(out, "Turn paused. Resume with: agentrt resume --thread %s --decisions '[...]'\n", threadID)
		return
	}
	fmt.Fprintf(out, "Turn paused. Thread %s is kept in memory and is lost when this process exits.\n", threadID)
	fmt.Fprintln(out, "Review it with --interactive, or set checkpoint.driver to sqlite or postgres to resume later.")
}

func runState(cmd *cobra.Command, root *rootOptions, threadID string, asJSON bool) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx, root)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	st, err := a.rt.State(ctx, threadID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	return printState(out, st)
}

func runBatch(cmd *cobra.Command, root *rootOptions, prompts []string, maxConcurrency int) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx, root)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	reqs := make([]agent.BatchRequest, len(prompts))
	for i, p := range prompts {
		reqs[i] = agent.BatchRequest{Input: agent.UserInput(p)}
	}

	out := cmd.OutOrStdout()
	var failed int
	for res := range a.rt.Batch(ctx, reqs, maxConcurrency) {
		fmt.Fprintf(out, "[%d] thread %s: %s\n", res.Index, res.ThreadID, batchSummary(res))
		if res.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d prompts failed", failed, len(prompts))
	}
	return nil
}

func batchSummary(res agent.BatchResult) string {
	if res.Err != nil {
		return "error: " + res.Err.Error()
	}
	if res.Result.Status == agent.StatusAwaitingDecision {
		return fmt.Sprintf("awaiting decision on %d action(s)", len(res.Result.Interrupt.ActionRequests))
	}
	if msg, ok := res.Result.LastMessage(); ok {
		return msg.Text()
	}
	return ""
}

// printStream renders events as they arrive and returns the turn's result.
func printStream(w io.Writer, s *agent.Stream) (*agent.Result, error) {
	var current string
	for ev := range s.Events() {
		switch ev.Mode {
		case agent.ModeMessages:
			switch {
			case ev.Token.Replace:
				fmt.Fprintf(w, "\n[replaced] %s", ev.Token.Delta)
			case ev.Token.MessageID != current && current != "":
				fmt.Fprintf(w, "\n%s", ev.Token.Delta)
			default:
				fmt.Fprint(w, ev.Token.Delta)
			}
			current = ev.Token.MessageID
		case agent.ModeUpdates:
			if ev.Update.State == agent.StateAwaitingDecision && ev.Update.Interrupt != nil {
				if current != "" {
					fmt.Fprintln(w)
					current = ""
				}
				fmt.Fprintf(w, "Interrupt %s: %d action(s) need review\n", ev.Update.Interrupt.ID, len(ev.Update.Interrupt.ActionRequests))
			}
		case agent.ModeCustom:
			raw, err := json.Marshal(ev.Custom)
			if err != nil {
				raw = []byte(fmt.Sprint(ev.Custom))
			}
			if current != "" {
				fmt.Fprintln(w)
				current = ""
			}
			fmt.Fprintf(w, "[event] %s\n", raw)
		}
	}
	if current != "" {
		fmt.Fprintln(w)
	}
	return s.Result()
}

// promptDecisions asks for one decision per pending action.
func promptDecisions(in *bufio.Reader, out io.Writer, intr *agent.Interrupt) ([]agent.Decision, error) {
	if intr == nil {
		return nil, errors.New("no pending interrupt")
	}
	decisions := make([]agent.Decision, 0, len(intr.ActionRequests))
	for i, action := range intr.ActionRequests {
		allowed := []agent.DecisionType{agent.DecisionApprove, agent.DecisionEdit, agent.DecisionReject}
		if i < len(intr.ReviewConfigs) && len(intr.ReviewConfigs[i].AllowedDecisions) > 0 {
			allowed = intr.ReviewConfigs[i].AllowedDecisions
		}
		fmt.Fprintf(out, "\n%s\n", action.Description)

		for {
			fmt.Fprintf(out, "Decision for %s (%s): ", action.Name, choices(allowed))
			line, err := readLine(in)
			if err != nil {
				return nil, err
			}
			d, ok, err := parseChoice(line, allowed, in, out)
			if err != nil {
				return nil, err
			}
			if ok {
				decisions = append(decisions, d)
				break
			}
			fmt.Fprintln(out, "Unrecognized decision.")
		}
	}
	return decisions, nil
}

func choices(allowed []agent.DecisionType) string {
	parts := make([]string, len(allowed))
	for i, d := range allowed {
		parts[i] = fmt.Sprintf("[%c]%s", d[0], d[1:])
	}
	return strings.Join(parts, "/")
}

func parseChoice(line string, allowed []agent.DecisionType, in *bufio.Reader, out io.Writer) (agent.Decision, bool, error) {
	var typ agent.DecisionType
	for _, d := range allowed {
		if line == string(d) || (len(line) == 1 && line[0] == d[0]) {
			typ = d
		}
	}
	switch typ {
	case agent.DecisionApprove:
		return agent.Approve(), true, nil
	case agent.DecisionEdit:
		fmt.Fprint(out, "New arguments (JSON): ")
		raw, err := readLine(in)
		if err != nil {
			return agent.Decision{}, false, err
		}
		if !json.Valid([]byte(raw)) {
			fmt.Fprintln(out, "Arguments must be valid JSON.")
			return agent.Decision{}, false, nil
		}
		return agent.Edit(json.RawMessage(raw)), true, nil
	case agent.DecisionReject:
		fmt.Fprint(out, "Message for the model (optional): ")
		msg, err := readLine(in)
		if err != nil {
			return agent.Decision{}, false, err
		}
		return agent.Reject(msg), true, nil
	default:
		return agent.Decision{}, false, nil
	}
}

func readLine(in *bufio.Reader) (string, error) {
	line, err := in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		if errors.Is(err, io.EOF) {
			return "", errors.New("input closed before all decisions were made")
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func printState(w io.Writer, st *agent.ThreadState) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "THREAD\t%s\n", st.ThreadID)
	fmt.Fprintf(tw, "SEQ\t%d\n", st.Seq)
	if !st.UpdatedAt.IsZero() {
		fmt.Fprintf(tw, "UPDATED\t%s\n", st.UpdatedAt.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	for _, m := range st.Conversation {
		fmt.Fprintf(w, "%s: %s\n", m.Role, describeMessage(m))
	}
	if st.Interrupt != nil {
		fmt.Fprintf(w, "\nPending interrupt %s:\n", st.Interrupt.ID)
		for i, action := range st.Interrupt.ActionRequests {
			fmt.Fprintf(w, "  %d. %s %s\n", i+1, action.Name, action.Arguments)
		}
	}
	return nil
}

func describeMessage(m llm.Message) string {
	if r := m.ToolResult(); r != nil {
		return fmt.Sprintf("[%s %s] %s", r.Name, r.Status, r.Content)
	}
	text := m.Text()
	calls := m.ToolCalls()
	if len(calls) == 0 {
		return text
	}
	names := make([]string, 0, len(calls))
	for _, c := range calls {
		names = append(names, fmt.Sprintf("%s(%s)", c.Name, c.Arguments))
	}
	if text != "" {
		return text + " " + strings.Join(names, ", ")
	}
	return strings.Join(names, ", ")
}

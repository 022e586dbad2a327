package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/martinemde/agentrt/checkpoint"
	"github.com/martinemde/agentrt/llm"
)

const stateVersion = 1

// threadState is what the checkpoint store holds for a thread.
type threadState struct {
	Version      int           `json:"version"`
	ThreadID     string        `json:"thread_id"`
	Conversation []llm.Message `json:"conversation"`
	Pending      *pendingTurn  `json:"pending,omitempty"`
	Seq          uint64        `json:"seq"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// pendingTurn is a turn suspended in awaiting_decision. Calls holds every
// call of the assistant message in issuance order; Completed holds results
// already produced for calls that did not need review.
type pendingTurn struct {
	Interrupt   Interrupt                 `json:"interrupt"`
	AssistantID string                    `json:"assistant_id"`
	Calls       []llm.ToolCall            `json:"calls"`
	Completed   map[string]llm.ToolResult `json:"completed,omitempty"`
	Model       string                    `json:"model,omitempty"`
}

// ThreadState is the stored view of a thread.
type ThreadState struct {
	ThreadID     string        `json:"thread_id"`
	Conversation []llm.Message `json:"conversation"`
	Interrupt    *Interrupt    `json:"interrupt,omitempty"`
	Seq          uint64        `json:"seq"`
	UpdatedAt    time.Time     `json:"updated_at,omitempty"`
}

func (rt *Runtime) loadState(ctx context.Context, threadID string) (*threadState, error) {
	raw, err := rt.store.Load(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return &threadState{Version: stateVersion, ThreadID: threadID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", threadID, err)
	}
	var st threadState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", threadID, err)
	}
	if st.Version > stateVersion {
		return nil, fmt.Errorf("checkpoint %s has unsupported version %d", threadID, st.Version)
	}
	st.ThreadID = threadID
	return &st, nil
}

func (rt *Runtime) saveState(ctx context.Context, st *threadState) error {
	st.Version = stateVersion
	st.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", st.ThreadID, err)
	}
	if err := rt.store.Save(ctx, st.ThreadID, raw); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", st.ThreadID, err)
	}
	rt.noteSeq(st.ThreadID, st.Seq)
	return nil
}

// startSeq is the last sequence number used on the thread, by this process
// or a previous one.
func (rt *Runtime) startSeq(st *threadState) uint64 {
	rt.seqMu.Lock()
	defer rt.seqMu.Unlock()
	return max(st.Seq, rt.seqs[st.ThreadID])
}

func (rt *Runtime) noteSeq(threadID string, seq uint64) {
	rt.seqMu.Lock()
	defer rt.seqMu.Unlock()
	if seq > rt.seqs[threadID] {
		rt.seqs[threadID] = seq
	}
}

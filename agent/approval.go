package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Verdict is an approval policy's ruling on one tool call.
type Verdict string

const (
	VerdictAllow           Verdict = "allow"
	VerdictRequireApproval Verdict = "require_approval"
	VerdictBlock           Verdict = "block"
)

// ApprovalPolicy decides per call whether a tool runs directly, waits for a
// human, or is refused. It is consulted for every call of a registered tool;
// a tool marked Interruptible always waits regardless of the verdict.
type ApprovalPolicy interface {
	Review(ctx context.Context, tool Tool, args json.RawMessage) (Verdict, error)
}

// ApprovalPolicyFunc adapts a function to ApprovalPolicy.
type ApprovalPolicyFunc func(ctx context.Context, tool Tool, args json.RawMessage) (Verdict, error)

// Review calls f.
func (f ApprovalPolicyFunc) Review(ctx context.Context, tool Tool, args json.RawMessage) (Verdict, error) {
	return f(ctx, tool, args)
}

func blockedContent(name string) string {
	return fmt.Sprintf("Tool call %q was blocked by the approval policy.", name)
}

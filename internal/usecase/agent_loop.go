package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/forgestack/agentd/internal/domain"
)

// LoopResult is what one agent run produced. Usage and Iterations are
// populated even when the run errors so the settlement can account for
// tokens already bought.
type LoopResult struct {
	Result     json.RawMessage
	Summary    string
	Usage      domain.Usage
	Cost       float64
	Iterations int
	Truncated  bool
	// Workspace is filled in by the dispatcher after the run so settlement
	// can scan it for artifacts.
	Workspace string
}

// AgentLoop drives one model conversation against one sandbox: invoke the
// model, execute the tools it asks for, feed results back, repeat until the
// model finishes its turn or a limit trips. Single-threaded per job.
type AgentLoop struct {
	Gateway       domain.ProviderGateway
	Jobs          domain.JobRepository
	Prices        domain.PriceTable
	MaxIterations int
	MaxTokens     int
}

// NewAgentLoop constructs an AgentLoop.
func NewAgentLoop(gw domain.ProviderGateway, jobs domain.JobRepository, prices domain.PriceTable, maxIterations, maxTokens int) AgentLoop {
	return AgentLoop{Gateway: gw, Jobs: jobs, Prices: prices, MaxIterations: maxIterations, MaxTokens: maxTokens}
}

// Run executes the loop. Usage is applied to the job row after every model
// call, success or not; the transcript is appended per iteration. A cancel
// request observed between iterations or between tool calls aborts with
// ErrJobCancelled.
func (l AgentLoop) Run(ctx domain.Context, job domain.Job, sb domain.Sandbox, provider, model string) (LoopResult, error) {
	profile, err := domain.ProfileForJobType(job.Type)
	if err != nil {
		return LoopResult{}, err
	}

	req := domain.ChatRequest{
		System:    profile.SystemPrompt(job),
		Messages:  []domain.Message{domain.TextMessage(domain.RoleUser, taskPrompt(job))},
		Tools:     domain.ToolDefsFor(profile),
		MaxTokens: l.MaxTokens,
	}

	var res LoopResult
	for i := 1; i <= l.MaxIterations; i++ {
		if err := l.checkCancel(ctx, job.ID); err != nil {
			return res, err
		}

		resp, err := l.Gateway.Invoke(ctx, provider, model, req)
		res.Iterations = i
		if resp.Usage.Total() > 0 {
			res.Usage.Add(resp.Usage)
			res.Cost += l.applyUsage(ctx, job.ID, provider, model, resp.Usage)
		}
		if err != nil {
			return res, fmt.Errorf("op=usecase.loop iteration=%d: %w", i, err)
		}

		req.Messages = append(req.Messages, domain.Message{Role: domain.RoleAssistant, Blocks: resp.Blocks})
		l.logIteration(ctx, job.ID, i, resp)

		switch resp.FinishReason {
		case domain.FinishEndOfTurn:
			res.Summary = resp.Text()
			res.Result = finalResult(res.Summary, false)
			return res, nil

		case domain.FinishLength:
			res.Truncated = true
			res.Summary = resp.Text()
			if strings.TrimSpace(res.Summary) == "" {
				return res, fmt.Errorf("op=usecase.loop iteration=%d: output cap hit with no text: %w", i, domain.ErrInternal)
			}
			res.Result = finalResult(res.Summary, true)
			return res, nil

		case domain.FinishToolUse:
			results, err := l.runTools(ctx, job.ID, sb, resp.ToolUses())
			if err != nil {
				return res, err
			}
			req.Messages = append(req.Messages, domain.ToolResultsMessage(results))

		default:
			return res, fmt.Errorf("op=usecase.loop: finish reason %q: %w", resp.FinishReason, domain.ErrInternal)
		}
	}
	return res, fmt.Errorf("op=usecase.loop job=%s iterations=%d: %w", job.ID, l.MaxIterations, domain.ErrMaxIterations)
}

// runTools executes the model's tool calls in order. Tool-level failures
// come back as error results for the model; only cancellation and deadline
// expiry abort the run.
func (l AgentLoop) runTools(ctx domain.Context, jobID string, sb domain.Sandbox, uses []domain.Block) ([]domain.Block, error) {
	results := make([]domain.Block, 0, len(uses))
	for _, use := range uses {
		if err := l.checkCancel(ctx, jobID); err != nil {
			return nil, err
		}
		out, err := sb.ExecTool(ctx, use.ToolName, use.ToolInput)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("op=usecase.loop tool=%s: %w", use.ToolName, domain.ErrSandboxTimeout)
			}
			return nil, fmt.Errorf("op=usecase.loop tool=%s: %w", use.ToolName, err)
		}
		results = append(results, domain.Block{
			Type:    domain.BlockToolResult,
			ToolID:  use.ToolID,
			Content: out.Content,
			IsError: out.IsError,
		})
	}
	return results, nil
}

func (l AgentLoop) checkCancel(ctx domain.Context, jobID string) error {
	cancelled, err := l.Jobs.CancelRequested(ctx, jobID)
	if err != nil {
		// A read failure must not kill a healthy run; the next check or
		// the row sentinel at settlement will catch a real cancel.
		slog.Warn("cancel check failed", slog.String("job_id", jobID), slog.Any("error", err))
		return nil
	}
	if cancelled {
		return fmt.Errorf("op=usecase.loop job=%s: %w", jobID, domain.ErrJobCancelled)
	}
	return nil
}

// applyUsage writes one call's tokens and cost to the row and returns the
// cost. Conditional on status=running; a conflict means the row moved under
// us and the write is dropped with a log line.
func (l AgentLoop) applyUsage(ctx domain.Context, jobID, provider, model string, usage domain.Usage) float64 {
	cost, err := l.Prices.Cost(provider, model, usage)
	if err != nil {
		slog.Warn("usage not priced",
			slog.String("job_id", jobID),
			slog.String("provider", provider),
			slog.String("model", model),
			slog.Any("error", err))
		cost = 0
	}
	if err := l.Jobs.ApplyUsage(ctx, jobID, usage, cost); err != nil {
		slog.Warn("usage write dropped", slog.String("job_id", jobID), slog.Any("error", err))
	}
	return cost
}

func (l AgentLoop) logIteration(ctx domain.Context, jobID string, i int, resp domain.ChatResponse) {
	var b strings.Builder
	fmt.Fprintf(&b, "[iter %d] finish=%s tokens_in=%d tokens_out=%d\n", i, resp.FinishReason, resp.Usage.TokensIn, resp.Usage.TokensOut)
	for _, use := range resp.ToolUses() {
		fmt.Fprintf(&b, "[iter %d] tool=%s input=%s\n", i, use.ToolName, compactJSON(use.ToolInput))
	}
	if text := strings.TrimSpace(resp.Text()); text != "" {
		fmt.Fprintf(&b, "[iter %d] text: %s\n", i, text)
	}
	if err := l.Jobs.AppendLogs(ctx, jobID, b.String()); err != nil {
		slog.Warn("transcript write dropped", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

func taskPrompt(job domain.Job) string {
	var b strings.Builder
	b.WriteString(job.Payload.Description)
	if job.Payload.RepoURL != "" {
		fmt.Fprintf(&b, "\n\nRepository: %s", job.Payload.RepoURL)
	}
	if len(job.Payload.Context) > 0 {
		fmt.Fprintf(&b, "\n\nContext:\n%s", compactJSON(job.Payload.Context))
	}
	return b.String()
}

func finalResult(summary string, truncated bool) json.RawMessage {
	out := map[string]any{"summary": summary}
	if truncated {
		out["truncated_output"] = true
	}
	raw, _ := json.Marshal(out)
	return raw
}

func compactJSON(raw json.RawMessage) string {
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return string(raw)
	}
	return b.String()
}

package mcptools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/randalmurphal/codexd/internal/job"
	"github.com/randalmurphal/codexd/internal/store"
)

func (s *Service) registerTools(srv *server.MCPServer) {
	srv.AddTool(
		mcp.NewTool("create_job",
			mcp.WithDescription("Queue a coding job for an agent worker. Returns the created job including its generated branch name."),
			mcp.WithString("repo_url",
				mcp.Required(),
				mcp.Description("Repository URL or local path the job operates on"),
			),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The task prompt for the agent"),
			),
			mcp.WithString("worker_type",
				mcp.Description("Worker queue to route to (default: codex)"),
			),
			mcp.WithString("base_ref",
				mcp.Description("Base ref to branch from (default: origin/main)"),
			),
			mcp.WithString("branch_name",
				mcp.Description("Branch to work on; generated from the prompt when omitted"),
			),
			mcp.WithString("feature_id",
				mcp.Description("Feature grouping; derives a feature/<id> branch when branch_name is omitted"),
			),
			mcp.WithString("feature_part",
				mcp.Description("Optional per-part label within the feature"),
			),
			mcp.WithString("push_mode",
				mcp.Description("'always' pushes the branch on success, 'never' keeps it local (default: always)"),
			),
			mcp.WithBoolean("use_worktree",
				mcp.Description("Run in an isolated git worktree (default: true)"),
			),
			mcp.WithArray("depends_on",
				mcp.Description("Job IDs that must complete before this one runs"),
			),
			mcp.WithArray("context_files",
				mcp.Description("File globs to surface to the agent alongside the prompt"),
			),
		),
		s.createJobHandler(),
	)

	srv.AddTool(
		mcp.NewTool("get_job",
			mcp.WithDescription("Fetch one job by ID, including status, result summary, and dependencies."),
			mcp.WithString("job_id",
				mcp.Required(),
				mcp.Description("The job ID"),
			),
		),
		s.getJobHandler(),
	)

	srv.AddTool(
		mcp.NewTool("list_jobs",
			mcp.WithDescription("List jobs, optionally filtered by status, worker type, or feature."),
			mcp.WithString("status",
				mcp.Description("Filter: pending, running, awaiting_input, done, failed, cancelled"),
			),
			mcp.WithString("worker_type",
				mcp.Description("Filter by worker queue"),
			),
			mcp.WithString("feature_id",
				mcp.Description("Filter by feature grouping"),
			),
		),
		s.listJobsHandler(),
	)

	srv.AddTool(
		mcp.NewTool("job_logs",
			mcp.WithDescription("Read a job's log lines in order."),
			mcp.WithString("job_id",
				mcp.Required(),
				mcp.Description("The job ID"),
			),
			mcp.WithNumber("after_seq",
				mcp.Description("Only return lines with seq greater than this"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum lines to return (default: 100)"),
			),
		),
		s.jobLogsHandler(),
	)

	srv.AddTool(
		mcp.NewTool("continue_job",
			mcp.WithDescription("Send a follow-up prompt to a job that is awaiting input, or spawn a follow-up job from a failed one with a stored session."),
			mcp.WithString("job_id",
				mcp.Required(),
				mcp.Description("The job ID"),
			),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The follow-up instruction"),
			),
		),
		s.continueJobHandler(),
	)

	srv.AddTool(
		mcp.NewTool("cancel_job",
			mcp.WithDescription("Cancel a job. Pending dependents are cancelled transitively."),
			mcp.WithString("job_id",
				mcp.Required(),
				mcp.Description("The job ID"),
			),
		),
		s.cancelJobHandler(),
	)

	s.logger.Info("registered MCP tools", "count", 6)
}

func toolJSON(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

func (s *Service) createJobHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		repoURL, err := req.RequireString("repo_url")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		j := &job.Job{
			RepoURL:     repoURL,
			BaseRef:     req.GetString("base_ref", ""),
			BranchName:  req.GetString("branch_name", ""),
			WorkerType:  req.GetString("worker_type", "codex"),
			FeatureID:   req.GetString("feature_id", ""),
			FeaturePart: req.GetString("feature_part", ""),
			PushMode:    job.PushMode(req.GetString("push_mode", "")),
			UseWorktree: req.GetBool("use_worktree", true),
			Spec: job.Spec{
				Prompt:       prompt,
				ContextFiles: req.GetStringSlice("context_files", nil),
			},
			DependsOn: req.GetStringSlice("depends_on", nil),
		}

		if j.UseWorktree {
			if j.BranchName == "" {
				if branch := job.FeatureBranchName(j.FeatureID); branch != "" {
					j.BranchName = branch
				} else {
					j.BranchName = job.GenerateBranchName(prompt)
				}
			}
			if j.WorktreePath == "" && s.worktrees != nil {
				j.WorktreePath = s.worktrees.PathFor(j.RepoURL, j.BranchName)
			}
		}

		if err := s.store.CreateJob(ctx, j); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolJSON(j), nil
	}
}

func (s *Service) getJobHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		j, err := s.store.GetJob(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolJSON(j), nil
	}
}

func (s *Service) listJobsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var f store.ListFilter
		if v := req.GetString("status", ""); v != "" {
			status, ok := job.ParseStatus(v)
			if !ok {
				return mcp.NewToolResultError("invalid status filter: " + v), nil
			}
			f.Status = status
		}
		f.WorkerType = req.GetString("worker_type", "")
		f.FeatureID = req.GetString("feature_id", "")

		jobs, err := s.store.ListJobs(ctx, f)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if jobs == nil {
			jobs = []*job.Job{}
		}
		return toolJSON(jobs), nil
	}
}

func (s *Service) jobLogsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		afterSeq := int64(req.GetInt("after_seq", 0))
		limit := req.GetInt("limit", 100)

		if _, err := s.store.GetJob(ctx, id); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		logs, err := s.store.ReadLogs(ctx, id, afterSeq, limit)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if logs == nil {
			logs = []job.LogEntry{}
		}
		return toolJSON(logs), nil
	}
}

func (s *Service) continueJobHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		j, err := s.store.GetJob(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if j.SessionID == "" {
			return mcp.NewToolResultError("job has no session to continue"), nil
		}

		switch j.Status {
		case job.StatusAwaitingInput:
			summary := j.ResultSummary
			if summary == nil {
				summary = &job.ResultSummary{}
			}
			summary.ContinuePrompt = prompt
			updated, err := s.store.UpdateStatus(ctx, id, job.StatusPending, store.StatusUpdate{
				Expected: []job.Status{job.StatusAwaitingInput},
				Summary:  summary,
			})
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return toolJSON(updated), nil

		case job.StatusFailed:
			if j.ResultSummary != nil && j.ResultSummary.Codex != nil && j.ResultSummary.Codex.TimedOut {
				return mcp.NewToolResultError("job timed out; resume it through the API instead"), nil
			}
			follow := &job.Job{
				RepoURL:      j.RepoURL,
				BaseRef:      j.BaseRef,
				BranchName:   j.BranchName,
				WorktreePath: j.WorktreePath,
				WorkerType:   j.WorkerType,
				FeatureID:    j.FeatureID,
				FeaturePart:  j.FeaturePart,
				PushMode:     j.PushMode,
				UseWorktree:  j.UseWorktree,
				Spec:         j.Spec,
				SessionID:    j.SessionID,
			}
			if err := s.store.CreateJob(ctx, follow); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			updated, err := s.store.UpdateStatus(ctx, follow.ID, job.StatusPending, store.StatusUpdate{
				Summary: &job.ResultSummary{ContinuePrompt: prompt},
			})
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return toolJSON(updated), nil

		default:
			return mcp.NewToolResultError(fmt.Sprintf("cannot continue a job in status %s", j.Status)), nil
		}
	}
}

func (s *Service) cancelJobHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		updated, err := s.store.UpdateStatus(ctx, id, job.StatusCancelled, store.StatusUpdate{})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolJSON(updated), nil
	}
}

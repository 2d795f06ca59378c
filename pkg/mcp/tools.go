package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/toolflow/internal/engine"
	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/pkg/schema"
)

// handleRun validates, prepares and executes a definition, returning the finished run.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := s.parseDefinition(req)
	if errResult != nil {
		return errResult, nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	prepared, err := s.loader.Prepare(def, inputs)
	if err != nil {
		return errorResult("invalid inputs", err)
	}

	handle, err := s.runner.Stream(ctx, prepared, inputs)
	if err != nil {
		return errorResult("workflow rejected", err)
	}

	sessionID := ""
	if req.GetBool("notify", false) {
		if session := server.ClientSessionFromContext(ctx); session != nil {
			sessionID = session.SessionID()
		}
	}
	for ev := range handle.Updates() {
		if sessionID == "" {
			continue
		}
		if err := s.notifier.Notify(ctx, sessionID, ev); err != nil {
			s.logger.WarnContext(ctx, "run notification failed",
				slog.String("run_id", handle.RunID), slog.String("error", err.Error()))
			sessionID = ""
		}
	}

	run := handle.Wait()
	return marshalResult(map[string]any{
		"run":     run,
		"summary": engine.Summary(run),
	})
}

// handleValidate reports every validation issue of a definition, warnings included.
func (s *Server) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	_, result := s.loader.CheckDocument(raw)
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// handlePlan returns the dependency levels of a valid definition.
func (s *Server) handlePlan(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := s.parseDefinition(req)
	if errResult != nil {
		return errResult, nil
	}
	g, err := engine.BuildPlan(def)
	if err != nil {
		return errorResult("invalid definition", err)
	}
	return marshalResult(map[string]any{
		"workflow_id": def.ID,
		"parallel":    def.Parallel,
		"on_error":    def.OnError.Effective(),
		"order":       g.Sorted,
		"levels":      g.Levels,
	})
}

// handleProviders lists providers and their actions.
func (s *Server) handleProviders(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.providers == nil {
		return marshalResult(map[string]any{"providers": []any{}})
	}
	return marshalResult(map[string]any{"providers": s.providers.List()})
}

// handleHistory returns one recorded run with its events, or a filtered run list.
func (s *Server) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.history == nil {
		return mcp.NewToolResultError("run history is disabled"), nil
	}

	if runID := req.GetString("run_id", ""); runID != "" {
		run, err := s.history.GetRun(ctx, runID)
		if err != nil {
			return errorResult("run lookup failed", err)
		}
		events, err := s.history.GetEvents(ctx, runID)
		if err != nil {
			return errorResult("event lookup failed", err)
		}
		return marshalResult(map[string]any{"run": run, "events": events})
	}

	filter := store.RunFilter{
		WorkflowID: req.GetString("workflow_id", ""),
		Status:     schema.RunStatus(req.GetString("status", "")),
		Limit:      req.GetInt("limit", store.DefaultListLimit),
	}
	runs, err := s.history.ListRuns(ctx, filter)
	if err != nil {
		return errorResult("query failed", err)
	}
	if runs == nil {
		runs = []*store.RunSummary{}
	}
	return marshalResult(map[string]any{"runs": runs})
}

// parseDefinition decodes and validates the "definition" argument.
func (s *Server) parseDefinition(req mcp.CallToolRequest) (*schema.WorkflowDefinition, *mcp.CallToolResult) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return nil, mcp.NewToolResultError("definition is required")
	}
	def, err := s.loader.ParseDocument(raw)
	if err != nil {
		res, _ := errorResult("invalid definition", err)
		return nil, res
	}
	return def, nil
}

// errorResult renders err as a tool error, including the structured error when there is one.
func errorResult(prefix string, err error) (*mcp.CallToolResult, error) {
	if e, ok := schema.AsError(err); ok {
		data, mErr := json.Marshal(e)
		if mErr == nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s: %s", prefix, data)), nil
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err)), nil
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

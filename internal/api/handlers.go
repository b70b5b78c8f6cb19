package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/roach88/stepflow/internal/compiler"
	"github.com/roach88/stepflow/internal/engine"
	"github.com/roach88/stepflow/internal/workflow"
)

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
}

// OutcomeResponse reports the state an invocation left an instance in.
type OutcomeResponse struct {
	Instance *workflow.Instance `json:"instance"`
	Yielded  bool               `json:"yielded"`
	StepsRun int                `json:"steps_run"`
}

func outcomeResponse(out *engine.Outcome) OutcomeResponse {
	return OutcomeResponse{Instance: out.Instance, Yielded: out.Yielded, StepsRun: out.StepsRun}
}

// DeployRequest carries CUE source declaring one or more definitions.
type DeployRequest struct {
	Filename string `json:"filename"`
	Source   string `json:"source"`

	// Activate publishes each version after storing it. Defaults to true.
	Activate *bool `json:"activate,omitempty"`
}

// ResumeBody is the body of POST /instances/:id/resume.
type ResumeBody struct {
	Token string               `json:"token"`
	Input workflow.ResumeInput `json:"input"`
}

// CancelBody is the body of POST /instances/:id/cancel.
type CancelBody struct {
	Reason string `json:"reason"`
}

// DecisionBody is the body of POST /approvals/:id/decision.
type DecisionBody struct {
	Decision  string `json:"decision"`
	DecidedBy string `json:"decided_by"`
	Comment   string `json:"comment,omitempty"`
}

// Health returns basic health status (always returns 200 OK)
// (GET /healthz)
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: s.app.Now(),
		Service:   ServiceName,
	})
}

// PostEvent delivers an inbound event
// (POST /api/v1/events)
func (s *Server) PostEvent(c echo.Context) error {
	var ev workflow.Event
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	res, err := s.app.Emit(c.Request().Context(), ev)
	if err != nil && res == nil {
		return err
	}
	if err != nil {
		// Partial success: report what happened and log the rest.
		s.logger.Warn("event partially handled", "event_type", ev.Type, "error", err)
	}
	return c.JSON(http.StatusAccepted, res)
}

// ListDefinitions returns every stored definition version
// (GET /api/v1/definitions)
func (s *Server) ListDefinitions(c echo.Context) error {
	defs, err := s.app.Store.ListDefinitions(c.Request().Context())
	if err != nil {
		return err
	}
	if defs == nil {
		defs = []*workflow.Definition{}
	}
	return c.JSON(http.StatusOK, defs)
}

// PostDefinitions compiles, validates, and deploys CUE source
// (POST /api/v1/definitions)
func (s *Server) PostDefinitions(c echo.Context) error {
	var req DeployRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.Source == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "source is required")
	}
	filename := req.Filename
	if filename == "" {
		filename = "request.cue"
	}

	defs, err := compiler.CompileSource(filename, []byte(req.Source))
	if err != nil {
		return err
	}
	var findings []compiler.ValidationError
	for _, def := range defs {
		findings = append(findings, compiler.Errors(compiler.Validate(def))...)
	}
	if len(findings) > 0 {
		return &validationFailed{findings: findings}
	}

	activate := req.Activate == nil || *req.Activate
	results, err := s.app.Deploy(c.Request().Context(), defs, activate)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, results)
}

// ListInstances returns instances matching the query filter
// (GET /api/v1/instances)
func (s *Server) ListInstances(c echo.Context) error {
	f := workflow.InstanceFilter{
		DefinitionID:   c.QueryParam("definition_id"),
		CorrelationKey: c.QueryParam("correlation_key"),
	}
	if v := c.QueryParam("status"); v != "" {
		status, err := workflow.ParseStatus(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		f.Status = status
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		f.Limit = n
	}

	instances, err := s.app.Store.ListInstances(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if instances == nil {
		instances = []*workflow.Instance{}
	}
	return c.JSON(http.StatusOK, instances)
}

// StartInstance starts an instance explicitly
// (POST /api/v1/instances)
func (s *Server) StartInstance(c echo.Context) error {
	var req engine.StartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.DefinitionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "definition_id is required")
	}
	out, err := s.app.Engine.Start(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, outcomeResponse(out))
}

// GetInstance returns the current instance document
// (GET /api/v1/instances/:id)
func (s *Server) GetInstance(c echo.Context) error {
	inst, err := s.app.Engine.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inst)
}

// AdvanceInstance continues a yielded instance
// (POST /api/v1/instances/:id/advance)
func (s *Server) AdvanceInstance(c echo.Context) error {
	out, err := s.app.Engine.Advance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, outcomeResponse(out))
}

// ResumeInstance resumes a suspend point by token
// (POST /api/v1/instances/:id/resume)
func (s *Server) ResumeInstance(c echo.Context) error {
	var body ResumeBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	out, err := s.app.Engine.Resume(c.Request().Context(), engine.ResumeRequest{
		InstanceID: c.Param("id"),
		Token:      body.Token,
		Input:      body.Input,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, outcomeResponse(out))
}

// CancelInstance cancels a live instance
// (POST /api/v1/instances/:id/cancel)
func (s *Server) CancelInstance(c echo.Context) error {
	var body CancelBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	inst, err := s.app.Engine.Cancel(c.Request().Context(), c.Param("id"), body.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inst)
}

// ListApprovals returns the approval requests of an instance
// (GET /api/v1/instances/:id/approvals)
func (s *Server) ListApprovals(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.app.Engine.Get(ctx, id); err != nil {
		return err
	}
	approvals, err := s.app.Engine.Approvals(ctx, id)
	if err != nil {
		return err
	}
	if approvals == nil {
		approvals = []*workflow.ApprovalRequest{}
	}
	return c.JSON(http.StatusOK, approvals)
}

// DecideApproval records an approver's decision
// (POST /api/v1/approvals/:id/decision)
func (s *Server) DecideApproval(c echo.Context) error {
	var body DecisionBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	out, err := s.app.Engine.DecideApproval(c.Request().Context(), engine.ApprovalDecision{
		ApprovalID: c.Param("id"),
		Decision:   body.Decision,
		DecidedBy:  body.DecidedBy,
		Comment:    body.Comment,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, outcomeResponse(out))
}

// SweepTimeouts runs one timeout sweep
// (POST /api/v1/sweeps/timeouts)
func (s *Server) SweepTimeouts(c echo.Context) error {
	report, err := s.app.Engine.SweepTimeouts(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

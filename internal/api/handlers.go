package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/imkarma/ralph/internal/preflight"
	"github.com/imkarma/ralph/internal/store"
)

// Request bodies.

type createTaskRequest struct {
	Title              string   `json:"title" binding:"required"`
	Description        string   `json:"description"`
	Priority           int      `json:"priority"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
}

type startBattleRequest struct {
	TaskID string `json:"taskId" binding:"required"`
	Mode   string `json:"mode"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type taskRef struct {
	TaskID string `json:"taskId"`
}

type fixRequest struct {
	CheckID string `json:"checkId" binding:"required"`
	TaskID  string `json:"taskId"`
}

type stashRequest struct {
	Ref string `json:"ref" binding:"required"`
}

type ideaRequest struct {
	Idea string `json:"idea" binding:"required"`
}

type answerRequest struct {
	Answer string `json:"answer" binding:"required"`
}

// checkInfo is the wire form of a registered check.
type checkInfo struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Category preflight.Category `json:"category"`
	Severity preflight.Severity `json:"severity"`
	Fixable  bool               `json:"fixable"`
}

// Tasks

func (r *Router) listTasks(c *gin.Context) {
	tasks, err := r.orch.ListTasks(store.TaskStatus(c.Query("status")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (r *Router) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	task, err := r.orch.CreateTask(req.Title, req.Description, req.Priority, req.AcceptanceCriteria)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (r *Router) getTask(c *gin.Context) {
	task, err := r.orch.GetTask(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (r *Router) updateTask(c *gin.Context) {
	var u store.TaskUpdate
	if err := c.ShouldBindJSON(&u); err != nil {
		badRequest(c, err)
		return
	}
	task, err := r.orch.UpdateTask(c.Param("id"), u)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (r *Router) deleteTask(c *gin.Context) {
	if err := r.orch.DeleteTask(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) getProgress(c *gin.Context) {
	p, err := r.orch.GetProgress(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (r *Router) getHistory(c *gin.Context) {
	battles, err := r.orch.GetBattleHistory(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, battles)
}

// Backlog

func (r *Router) getBacklog(c *gin.Context) {
	b, err := r.orch.GetBacklog()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (r *Router) breakIntoTasks(c *gin.Context) {
	b, err := r.orch.BreakIntoTasks(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// Config

func (r *Router) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, r.orch.Config())
}

func (r *Router) updateConfig(c *gin.Context) {
	cfg := r.orch.Config()
	if err := c.ShouldBindJSON(cfg); err != nil {
		badRequest(c, err)
		return
	}
	if err := r.orch.UpdateConfig(cfg); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// Battle

func (r *Router) getBattle(c *gin.Context) {
	state := r.orch.CurrentBattleState()
	if state == nil {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": state.Battle.Status.Active(), "state": state})
}

func (r *Router) startBattle(c *gin.Context) {
	var req startBattleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	// The loop outlives the request.
	state, err := r.orch.StartBattle(c.Request.Context(), req.TaskID, req.Mode)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, state)
}

func (r *Router) pauseBattle(c *gin.Context) {
	r.control(c, r.orch.PauseBattle)
}

func (r *Router) resumeBattle(c *gin.Context) {
	r.control(c, r.orch.ResumeBattle)
}

func (r *Router) approveBattle(c *gin.Context) {
	r.control(c, r.orch.ApproveBattle)
}

func (r *Router) cancelBattle(c *gin.Context) {
	var req cancelRequest
	// The body is optional.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by user"
	}
	r.control(c, func() error { return r.orch.CancelBattle(req.Reason) })
}

// control runs a battle control operation and responds with the new state.
func (r *Router) control(c *gin.Context, op func() error) {
	if err := op(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r.orch.CurrentBattleState())
}

// Preflight

func (r *Router) runPreflight(c *gin.Context) {
	var req taskRef
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, r.orch.RunPreflight(c.Request.Context(), req.TaskID))
}

func (r *Router) listChecks(c *gin.Context) {
	checks := r.orch.PreflightChecks()
	out := make([]checkInfo, 0, len(checks))
	for _, ch := range checks {
		out = append(out, checkInfo{
			ID:       ch.ID,
			Name:     ch.Name,
			Category: ch.Category,
			Severity: ch.Severity,
			Fixable:  ch.Fix != nil,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (r *Router) applyFix(c *gin.Context) {
	var req fixRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	fix, check, err := r.orch.ApplyPreflightFix(c.Request.Context(), req.CheckID, req.TaskID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fix": fix, "check": check})
}

func (r *Router) restoreStash(c *gin.Context) {
	var req stashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := r.orch.RestoreStash(c.Request.Context(), req.Ref)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (r *Router) dryRun(c *gin.Context) {
	var req taskRef
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := r.orch.DryRun(c.Request.Context(), req.TaskID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (r *Router) validateToken(c *gin.Context) {
	c.JSON(http.StatusOK, r.orch.ValidateToken(c.Request.Context()))
}

// Planning

func (r *Router) planningStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.orch.PlanningStatus())
}

func (r *Router) startPlanning(c *gin.Context) {
	var req ideaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	st, err := r.orch.StartPlanning(c.Request.Context(), req.Idea)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, st)
}

func (r *Router) answerPlanning(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := r.orch.AnswerPlanning(c.Request.Context(), req.Answer); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, r.orch.PlanningStatus())
}

func (r *Router) finishPlanning(c *gin.Context) {
	b, err := r.orch.FinishPlanning(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (r *Router) resetPlanning(c *gin.Context) {
	r.orch.ResetPlanning()
	c.JSON(http.StatusOK, r.orch.PlanningStatus())
}

package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dg-devloper/mjopen-api-sub001/internal/model"
	"github.com/dg-devloper/mjopen-api-sub001/internal/runtime"
	"github.com/dg-devloper/mjopen-api-sub001/internal/selector"
	"github.com/dg-devloper/mjopen-api-sub001/internal/store"
)

type submitBase struct {
	BotType    string `json:"botType"`
	NotifyHook string `json:"notifyHook"`
	State      string `json:"state"`
}

func (b submitBase) bot() model.BotType {
	switch b.BotType {
	case string(model.BotNiji):
		return model.BotNiji
	case string(model.BotInsightFace):
		return model.BotInsightFace
	default:
		return model.BotMidJourney
	}
}

func (s *Server) newTask(c *gin.Context, action model.TaskAction, base submitBase) *model.Task {
	task := model.NewTask(action, base.bot())
	task.NotifyHook = base.NotifyHook
	task.State = base.State
	task.ClientIP = c.ClientIP()
	if userID := strings.TrimSpace(c.GetHeader("mj-api-user")); userID != "" {
		task.UserID = userID
		ctx, cancel := s.ctx(c)
		if user, err := s.store.GetUser(ctx, userID); err == nil && user != nil {
			task.IsWhite = user.IsWhite
		}
		cancel()
	}
	return task
}

// checkBannedPrompt screens the prompt against the stored word list and
// counts offenders per user and ip.
func (s *Server) checkBannedPrompt(c *gin.Context, task *model.Task, prompt string) bool {
	if task.IsWhite {
		return false
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	word, err := s.store.FindBannedWord(ctx, prompt)
	if err != nil {
		s.log.Warn("banned_word_check_failed", "error", err)
		return false
	}
	if word == "" {
		return false
	}

	s.bumpBanCounters(task)
	c.JSON(http.StatusOK, respErr(CodeBannedPrompt, "Banned prompt detected: "+word))
	return true
}

func (s *Server) bumpBanCounters(task *model.Task) {
	if s.redis == nil {
		return
	}
	day := time.Now().Format("20060102")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, key := range []string{task.UserID, task.ClientIP} {
		if key == "" {
			continue
		}
		if _, err := s.redis.Increment(ctx, "banned:"+day+":"+key, 24*time.Hour); err != nil {
			s.log.Warn("ban_counter_increment_failed", "key", key, "error", err)
		}
	}
}

// place routes the task to an account and persists the accepted record.
func (s *Server) place(c *gin.Context, task *model.Task, filter selector.AccountFilter) {
	rt, err := s.registry.Choose(filter)
	if err != nil {
		c.JSON(http.StatusOK, respErr(CodeNoAvailableAccount, "no available account"))
		return
	}

	res := rt.Submit(task)
	switch res.Code {
	case runtime.SubmitAccepted:
	case runtime.SubmitRejectedQueueFull:
		c.JSON(http.StatusOK, respErr(CodeQueueFull, res.Reason))
		return
	case runtime.SubmitRejectedNotAccepting:
		c.JSON(http.StatusOK, respErr(CodeNotAccepting, res.Reason))
		return
	default:
		c.JSON(http.StatusOK, respErr(CodeNoAvailableAccount, res.Reason))
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()
	if err := s.store.SaveTask(ctx, task); err != nil {
		s.log.Warn("task_write_failed", "task_id", task.ID, "error", err)
	}

	c.JSON(http.StatusOK, submitResponse{
		Code:        CodeSuccess,
		Description: "success",
		Result:      task.ID,
		Properties: map[string]any{
			"discordInstanceId": task.InstanceID,
		},
	})
}

func (s *Server) submitImagine(c *gin.Context) {
	var req struct {
		submitBase
		Prompt string `json:"prompt"`
		Mode   string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusOK, respErr(CodeValidationError, "prompt is required"))
		return
	}

	task := s.newTask(c, model.ActionImagine, req.submitBase)
	task.Prompt = req.Prompt
	task.PromptEn = req.Prompt
	task.Mode = req.Mode
	if s.checkBannedPrompt(c, task, req.Prompt) {
		return
	}

	s.place(c, task, selector.AccountFilter{BotType: task.BotType, Mode: req.Mode})
}

func (s *Server) submitBlend(c *gin.Context) {
	var req struct {
		submitBase
		ImageURLs  []string `json:"imageUrls"`
		Dimensions string   `json:"dimensions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.ImageURLs) < 2 || len(req.ImageURLs) > 5 {
		c.JSON(http.StatusOK, respErr(CodeValidationError, "blend needs 2 to 5 image urls"))
		return
	}

	task := s.newTask(c, model.ActionBlend, req.submitBase)
	task.SetProperty("imageUrls", req.ImageURLs)
	if req.Dimensions != "" {
		task.SetProperty("dimensions", req.Dimensions)
	}

	s.place(c, task, selector.AccountFilter{BotType: task.BotType, Blend: true})
}

func (s *Server) submitDescribe(c *gin.Context) {
	var req struct {
		submitBase
		ImageURL string `json:"imageUrl"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ImageURL) == "" {
		c.JSON(http.StatusOK, respErr(CodeValidationError, "imageUrl is required"))
		return
	}

	task := s.newTask(c, model.ActionDescribe, req.submitBase)
	task.SetProperty("imageUrl", req.ImageURL)

	s.place(c, task, selector.AccountFilter{BotType: task.BotType, Describe: true})
}

func (s *Server) submitShorten(c *gin.Context) {
	var req struct {
		submitBase
		Prompt string `json:"prompt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusOK, respErr(CodeValidationError, "prompt is required"))
		return
	}

	task := s.newTask(c, model.ActionShorten, req.submitBase)
	task.Prompt = req.Prompt
	task.PromptEn = req.Prompt
	if s.checkBannedPrompt(c, task, req.Prompt) {
		return
	}

	s.place(c, task, selector.AccountFilter{BotType: task.BotType, Shorten: true})
}

func (s *Server) submitShow(c *gin.Context) {
	var req struct {
		submitBase
		JobID string `json:"jobId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.JobID) == "" {
		c.JSON(http.StatusOK, respErr(CodeValidationError, "jobId is required"))
		return
	}

	task := s.newTask(c, model.ActionShow, req.submitBase)
	task.PromptFull = req.JobID
	task.SetProperty("jobId", req.JobID)

	s.place(c, task, selector.AccountFilter{BotType: task.BotType})
}

func (s *Server) submitAction(c *gin.Context) {
	var req struct {
		submitBase
		TaskID   string `json:"taskId"`
		CustomID string `json:"customId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.TaskID == "" || req.CustomID == "" {
		c.JSON(http.StatusOK, respErr(CodeValidationError, "taskId and customId are required"))
		return
	}

	ctx, cancel := s.ctx(c)
	parent, err := s.store.GetTask(ctx, req.TaskID)
	cancel()
	if err != nil || parent == nil {
		c.JSON(http.StatusOK, respErr(CodeNotFound, "parent task not found"))
		return
	}
	if parent.Status != model.StatusSuccess {
		c.JSON(http.StatusOK, respErr(CodeValidationError, "parent task is not finished"))
		return
	}

	task := s.newTask(c, actionFromCustomID(req.CustomID), req.submitBase)
	task.ParentID = parent.ID
	task.BotType = parent.BotType
	task.RealBotType = parent.RealBotType
	task.Prompt = parent.Prompt
	task.PromptEn = parent.PromptEn
	task.PromptFull = parent.PromptFull
	task.SubInstanceID = parent.SubInstanceID
	task.SetProperty("customId", req.CustomID)
	task.SetProperty("messageId", parent.MessageID)

	// button actions must hit the account that produced the message
	s.place(c, task, selector.AccountFilter{
		BotType:    effectiveBot(task),
		InstanceID: parent.InstanceID,
	})
}

func (s *Server) submitModal(c *gin.Context) {
	var req struct {
		TaskID string `json:"taskId"`
		Prompt string `json:"prompt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.TaskID == "" {
		c.JSON(http.StatusOK, respErr(CodeValidationError, "taskId is required"))
		return
	}

	ctx, cancel := s.ctx(c)
	task, err := s.store.GetTask(ctx, req.TaskID)
	cancel()
	if err != nil || task == nil {
		c.JSON(http.StatusOK, respErr(CodeNotFound, "task not found"))
		return
	}

	rt, ok := s.registry.RuntimeByInstance(task.InstanceID)
	if !ok {
		c.JSON(http.StatusOK, respErr(CodeNoAvailableAccount, "owning account is gone"))
		return
	}
	if err := rt.ResumeModal(req.TaskID, req.Prompt); err != nil {
		c.JSON(http.StatusOK, respErr(CodeValidationError, err.Error()))
		return
	}
	c.JSON(http.StatusOK, respOK(req.TaskID))
}

func (s *Server) fetchTask(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := s.ctx(c)
	defer cancel()

	task, err := s.store.GetTask(ctx, id)
	if err != nil || task == nil {
		c.JSON(http.StatusNotFound, respErr(CodeNotFound, "task not found"))
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) cancelTask(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := s.ctx(c)
	task, err := s.store.GetTask(ctx, id)
	cancel()
	if err != nil || task == nil {
		c.JSON(http.StatusNotFound, respErr(CodeNotFound, "task not found"))
		return
	}
	if task.Status.Terminal() {
		c.JSON(http.StatusOK, respErr(CodeValidationError, "task already finished"))
		return
	}

	if rt, ok := s.registry.RuntimeByInstance(task.InstanceID); ok && rt.Cancel(id) {
		c.JSON(http.StatusOK, respOK(id))
		return
	}

	// the owning runtime is gone; close the record directly
	if task.Transition(model.StatusCancel) {
		ctx, cancel := s.ctx(c)
		defer cancel()
		if err := s.store.SaveTaskFinal(ctx, task); err != nil {
			s.log.Warn("task_final_write_failed", "task_id", id, "error", err)
		}
	}
	c.JSON(http.StatusOK, respOK(id))
}

func (s *Server) listTasks(c *gin.Context) {
	var req struct {
		Statuses   []model.TaskStatus `json:"statuses"`
		Actions    []model.TaskAction `json:"actions"`
		InstanceID string             `json:"instanceId"`
		UserID     string             `json:"userId"`
		Limit      int                `json:"limit"`
		Offset     int                `json:"offset"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, respErr(CodeValidationError, "invalid filter"))
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{
		Statuses:   req.Statuses,
		Actions:    req.Actions,
		InstanceID: req.InstanceID,
		UserID:     req.UserID,
		Limit:      req.Limit,
		Offset:     req.Offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, respErr(CodeFailure, "list failed"))
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func effectiveBot(task *model.Task) model.BotType {
	if task.RealBotType != "" {
		return task.RealBotType
	}
	return task.BotType
}

// actionFromCustomID classifies a pressed button by the Midjourney
// custom id conventions.
func actionFromCustomID(customID string) model.TaskAction {
	switch {
	case strings.Contains(customID, "::upsample::"):
		return model.ActionUpscale
	case strings.Contains(customID, "::variation::"):
		return model.ActionVariation
	case strings.Contains(customID, "::reroll::"):
		return model.ActionReroll
	case strings.Contains(customID, "::pan_"):
		return model.ActionPan
	case strings.Contains(customID, "::Outpaint::"):
		return model.ActionZoom
	case strings.Contains(customID, "::CustomZoom::"):
		return model.ActionZoom
	case strings.Contains(customID, "::Inpaint::"):
		return model.ActionInpaint
	case strings.Contains(customID, "::PicReader::"):
		return model.ActionDescribe
	default:
		return model.ActionAction
	}
}

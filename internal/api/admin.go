package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dg-devloper/mjopen-api-sub001/internal/logging"
	"github.com/dg-devloper/mjopen-api-sub001/internal/model"
)

func (s *Server) listAccounts(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, respErr(CodeFailure, "list failed"))
		return
	}
	for _, a := range accounts {
		a.UserToken = logging.MaskToken(a.UserToken)
		a.BotToken = logging.MaskToken(a.BotToken)
	}
	c.JSON(http.StatusOK, accounts)
}

func (s *Server) getAccount(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()
	acc, err := s.store.GetAccount(ctx, c.Param("id"))
	if err != nil || acc == nil {
		c.JSON(http.StatusNotFound, respErr(CodeNotFound, "account not found"))
		return
	}
	acc.UserToken = logging.MaskToken(acc.UserToken)
	acc.BotToken = logging.MaskToken(acc.BotToken)
	c.JSON(http.StatusOK, gin.H{
		"account":   acc,
		"connected": s.registry.Connected(acc.ID),
	})
}

// saveAccount upserts the record and restarts the runtime and gateway
// when the account is enabled.
func (s *Server) saveAccount(c *gin.Context) {
	var acc model.DiscordAccount
	if err := c.ShouldBindJSON(&acc); err != nil {
		c.JSON(http.StatusOK, respErr(CodeValidationError, "invalid account payload"))
		return
	}
	if acc.ChannelID == "" || acc.UserToken == "" {
		c.JSON(http.StatusOK, respErr(CodeValidationError, "channel_id and user_token are required"))
		return
	}
	if acc.ID == "" {
		acc.ID = acc.ChannelID
	}
	acc.Clamp()

	ctx, cancel := s.ctx(c)
	err := s.store.SaveAccount(ctx, &acc)
	cancel()
	if err != nil {
		c.JSON(http.StatusInternalServerError, respErr(CodeFailure, "save failed"))
		return
	}

	if acc.Enable {
		if err := s.registry.StartAccount(c.Request.Context(), &acc); err != nil {
			s.log.Warn("account_restart_failed", "account_id", acc.ID, "error", err)
		}
	} else {
		s.registry.RemoveAccount(acc.ID)
	}
	c.JSON(http.StatusOK, respOK(acc.ID))
}

func (s *Server) deleteAccount(c *gin.Context) {
	id := c.Param("id")
	s.registry.RemoveAccount(id)

	ctx, cancel := s.ctx(c)
	defer cancel()
	if err := s.store.DeleteAccount(ctx, id); err != nil {
		c.JSON(http.StatusInternalServerError, respErr(CodeFailure, "delete failed"))
		return
	}
	c.JSON(http.StatusOK, respOK(id))
}

// reconnectAccount tears the gateway session down and dials fresh.
func (s *Server) reconnectAccount(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := s.ctx(c)
	acc, err := s.store.GetAccount(ctx, id)
	cancel()
	if err != nil || acc == nil {
		c.JSON(http.StatusNotFound, respErr(CodeNotFound, "account not found"))
		return
	}
	if err := s.registry.StartAccount(c.Request.Context(), acc); err != nil {
		c.JSON(http.StatusInternalServerError, respErr(CodeFailure, err.Error()))
		return
	}
	c.JSON(http.StatusOK, respOK(id))
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Success: true, Data: data})
}

func respondError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": message})
}

func (h HandlerSet) internalError(c *gin.Context, err error) {
	_ = c.Error(err)
	h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	respondError(c, http.StatusInternalServerError, "internal_server_error")
}

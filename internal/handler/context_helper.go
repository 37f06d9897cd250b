package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/maintenance-api/internal/middleware"
	"github.com/noah-isme/maintenance-api/internal/service"
	appErrors "github.com/noah-isme/maintenance-api/pkg/errors"
)

// actorFromContext describes the caller for auditing. Anonymous callers get
// a zero ID.
func actorFromContext(c *gin.Context) service.Actor {
	actor := service.Actor{IPAddress: c.ClientIP(), UserAgent: c.GetHeader("User-Agent")}
	if claims := middleware.Claims(c); claims != nil {
		actor.ID = claims.UserID
		actor.Role = claims.Role
	}
	return actor
}

func parseID(c *gin.Context, param string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil || id <= 0 {
		return 0, appErrors.Clone(appErrors.ErrValidation, "invalid "+param)
	}
	return id, nil
}

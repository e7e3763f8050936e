package dispatch

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/iris/internal/handler"
	"github.com/jwalitptl/iris/internal/model"
	dispatchsvc "github.com/jwalitptl/iris/internal/service/dispatch"
	apperrors "github.com/jwalitptl/iris/pkg/errors"
)

const (
	statusAll     = "all"
	defaultStatus = model.DispatchStatusDone
)

type Handler struct {
	finder dispatchsvc.Finder
}

func NewHandler(finder dispatchsvc.Finder) *Handler {
	return &Handler{finder: finder}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/dispatches/:senderClientId", h.ListDispatches)
}

// ListDispatches returns the sender's dispatches, done ones unless the
// status query says otherwise.
func (h *Handler) ListDispatches(c *gin.Context) {
	filter := model.DispatchFilter{SenderClientID: c.Param("senderClientId")}

	switch raw := c.Query("status"); raw {
	case "":
		status := defaultStatus
		filter.Status = &status
	case statusAll:
	default:
		status, err := model.ParseDispatchStatus(raw)
		if err != nil {
			_ = c.Error(apperrors.BadRequest("invalid status", err))
			return
		}
		filter.Status = &status
	}

	projection, err := model.ParseProjection(c.Query("projection"))
	if err != nil {
		_ = c.Error(apperrors.BadRequest("invalid projection", err))
		return
	}

	rows, err := h.finder.Find(c.Request.Context(), filter, projection)
	if err != nil {
		_ = c.Error(apperrors.Internal(err))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(rows))
}

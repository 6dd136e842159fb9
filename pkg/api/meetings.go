package api

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/getsinto/sschoool-sub001/pkg/apiresponses"
	"github.com/getsinto/sschoool-sub001/pkg/meeting"
	"github.com/getsinto/sschoool-sub001/pkg/system"
)

// Meetings is implemented by *meeting.Service.
type Meetings interface {
	Create(ctx context.Context, req meeting.MeetingRequest) (meeting.Meeting, error)
	Get(id string) (meeting.Meeting, error)
	Delete(ctx context.Context, id string) error
	Attendance(id string) (meeting.Attendance, error)
}

type MeetingController struct {
	meetings    Meetings
	log         *zap.SugaredLogger
	middlewares []gin.HandlerFunc
}

func NewMeetingController(meetings Meetings, log *zap.SugaredLogger, middlewares ...gin.HandlerFunc) *MeetingController {
	return &MeetingController{meetings: meetings, log: log.Named("meetings"), middlewares: middlewares}
}

func (mc *MeetingController) BasePath() string { return "meetings" }

func (mc *MeetingController) Handlers() []gin.HandlerFunc { return mc.middlewares }

func (mc *MeetingController) Register(rg *gin.RouterGroup) error {
	rg.POST("", mc.handleCreate)
	rg.GET(":id", mc.handleGet)
	rg.DELETE(":id", mc.handleDelete)
	rg.GET(":id/attendance", mc.handleAttendance)
	return nil
}

func (mc *MeetingController) handleCreate(c *gin.Context) {
	var req meeting.MeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiresponses.RespondBadRequestWithDetails(c, "invalid meeting request", err.Error())
		return
	}
	// the caller hosts the meeting unless the request names someone else
	if req.HostEmail == "" {
		req.HostEmail = c.GetString(system.EmailKey)
	}

	m, err := mc.meetings.Create(c.Request.Context(), req)
	if err != nil {
		mc.respondError(c, "create meeting", "", err)
		return
	}
	apiresponses.RespondCreated(c, m)
}

func (mc *MeetingController) handleGet(c *gin.Context) {
	id := c.Param("id")
	m, err := mc.meetings.Get(id)
	if err != nil {
		mc.respondError(c, "get meeting", id, err)
		return
	}
	apiresponses.RespondOK(c, m)
}

func (mc *MeetingController) handleDelete(c *gin.Context) {
	id := c.Param("id")
	if err := mc.meetings.Delete(c.Request.Context(), id); err != nil {
		mc.respondError(c, "delete meeting", id, err)
		return
	}
	system.GetReqLogger(c, mc.log).Infow("Meeting deleted", "meeting", id)
	apiresponses.RespondNoContent(c)
}

func (mc *MeetingController) handleAttendance(c *gin.Context) {
	id := c.Param("id")
	a, err := mc.meetings.Attendance(id)
	if errors.Is(err, meeting.ErrNotFound) {
		apiresponses.RespondNotFound(c, "attendance", id)
		return
	}
	if err != nil {
		mc.respondError(c, "get attendance", id, err)
		return
	}
	apiresponses.RespondOK(c, a)
}

func (mc *MeetingController) respondError(c *gin.Context, operation, id string, err error) {
	log := system.GetReqLogger(c, mc.log)
	switch {
	case errors.Is(err, meeting.ErrInvalidRequest), errors.Is(err, meeting.ErrUnknownProvider):
		apiresponses.RespondBadRequest(c, err.Error())
	case errors.Is(err, meeting.ErrNotFound):
		if id == "" {
			apiresponses.RespondBadGateway(c, err.Error())
			return
		}
		apiresponses.RespondNotFound(c, "meeting", id)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		apiresponses.RespondServiceUnavailable(c, "meeting provider", 0)
	default:
		log.Errorw("Meeting provider call failed", "operation", operation, "meeting", id, "error", err)
		apiresponses.RespondBadGateway(c, "failed to "+operation)
	}
}

package meeting

import "context"

// Provider manages meetings at one video conferencing service.
type Provider interface {
	Name() string
	CreateMeeting(ctx context.Context, req MeetingRequest) (Meeting, error)
	GetMeeting(ctx context.Context, id string) (Meeting, error)
	UpdateMeeting(ctx context.Context, id string, req MeetingRequest) (Meeting, error)
	DeleteMeeting(ctx context.Context, id string) error
	// ListAttendance returns every participant session of a past meeting.
	ListAttendance(ctx context.Context, id string) ([]Participant, error)
}

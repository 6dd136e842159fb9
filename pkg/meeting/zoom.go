package meeting

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/getsinto/sschoool-sub001/pkg/config"
	"github.com/getsinto/sschoool-sub001/pkg/version"
)

const (
	defaultZoomBaseURL  = "https://api.zoom.us/v2"
	defaultZoomTokenURL = "https://zoom.us/oauth/token"
	zoomPageSize        = 300
	// zoomScheduledMeeting is Zoom's meeting type for a meeting with a fixed time.
	zoomScheduledMeeting = 2
)

type zoomInvitee struct {
	Email string `json:"email"`
}

type zoomSettings struct {
	JoinBeforeHost  bool          `json:"join_before_host"`
	WaitingRoom     bool          `json:"waiting_room"`
	MeetingInvitees []zoomInvitee `json:"meeting_invitees,omitempty"`
}

type zoomMeetingBody struct {
	Topic     string        `json:"topic"`
	Type      int           `json:"type"`
	StartTime string        `json:"start_time"`
	Duration  int           `json:"duration"`
	Timezone  string        `json:"timezone"`
	Agenda    string        `json:"agenda,omitempty"`
	Settings  *zoomSettings `json:"settings,omitempty"`
}

type zoomMeeting struct {
	ID        int64     `json:"id"`
	Topic     string    `json:"topic"`
	Agenda    string    `json:"agenda"`
	StartTime time.Time `json:"start_time"`
	Duration  int       `json:"duration"`
	Timezone  string    `json:"timezone"`
	JoinURL   string    `json:"join_url"`
	StartURL  string    `json:"start_url"`
	HostEmail string    `json:"host_email"`
}

type zoomParticipant struct {
	Name      string    `json:"name"`
	UserEmail string    `json:"user_email"`
	JoinTime  time.Time `json:"join_time"`
	LeaveTime time.Time `json:"leave_time"`
	// Duration is in seconds.
	Duration int `json:"duration"`
}

type zoomParticipants struct {
	NextPageToken string            `json:"next_page_token"`
	Participants  []zoomParticipant `json:"participants"`
}

type zoomError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ZoomProvider talks to the Zoom REST API with a server-to-server OAuth app.
type ZoomProvider struct {
	client *resty.Client
	log    *zap.SugaredLogger
}

// NewZoomProvider creates a Zoom adapter. Access tokens are obtained with the
// account_credentials grant and refreshed by the oauth2 transport when they
// expire.
func NewZoomProvider(cfg config.Zoom, log *zap.SugaredLogger) (*ZoomProvider, error) {
	if cfg.AccountID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("zoom requires accountID, clientID and clientSecret")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultZoomBaseURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = defaultZoomTokenURL
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
		EndpointParams: url.Values{
			"grant_type": {"account_credentials"},
			"account_id": {cfg.AccountID},
		},
	}
	log.Infow("Initializing Zoom provider", "baseURL", baseURL, "accountID", cfg.AccountID)

	client := resty.NewWithClient(cc.Client(context.Background())).
		SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", version.UserAgent())
	return &ZoomProvider{client: client, log: log}, nil
}

func (z *ZoomProvider) Name() string { return ProviderZoom }

func (z *ZoomProvider) CreateMeeting(ctx context.Context, req MeetingRequest) (Meeting, error) {
	var out zoomMeeting
	resp, err := z.client.R().
		SetContext(ctx).
		SetBody(zoomBody(req)).
		SetResult(&out).
		SetError(&zoomError{}).
		Post("/users/me/meetings")
	if err := z.check(resp, err, "create meeting"); err != nil {
		return Meeting{}, err
	}
	m := out.toMeeting()
	m.Attendees = append([]string(nil), req.Attendees...)
	if req.HostEmail != "" {
		m.HostEmail = req.HostEmail
	}
	z.log.Infow("Created Zoom meeting", "id", m.ID, "topic", m.Topic, "start", m.StartTime)
	return m, nil
}

func (z *ZoomProvider) GetMeeting(ctx context.Context, id string) (Meeting, error) {
	var out zoomMeeting
	resp, err := z.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		SetError(&zoomError{}).
		Get("/meetings/{id}")
	if err := z.check(resp, err, "get meeting"); err != nil {
		return Meeting{}, err
	}
	return out.toMeeting(), nil
}

// UpdateMeeting patches the meeting and reads it back, since Zoom answers
// PATCH with an empty body.
func (z *ZoomProvider) UpdateMeeting(ctx context.Context, id string, req MeetingRequest) (Meeting, error) {
	resp, err := z.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetBody(zoomBody(req)).
		SetError(&zoomError{}).
		Patch("/meetings/{id}")
	if err := z.check(resp, err, "update meeting"); err != nil {
		return Meeting{}, err
	}
	m, err := z.GetMeeting(ctx, id)
	if err != nil {
		return Meeting{}, err
	}
	m.Attendees = append([]string(nil), req.Attendees...)
	return m, nil
}

func (z *ZoomProvider) DeleteMeeting(ctx context.Context, id string) error {
	resp, err := z.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetError(&zoomError{}).
		Delete("/meetings/{id}")
	return z.check(resp, err, "delete meeting")
}

// ListAttendance pages through the past meeting's participant report.
func (z *ZoomProvider) ListAttendance(ctx context.Context, id string) ([]Participant, error) {
	var (
		out   []Participant
		token string
	)
	for {
		var page zoomParticipants
		r := z.client.R().
			SetContext(ctx).
			SetPathParam("id", id).
			SetQueryParam("page_size", strconv.Itoa(zoomPageSize)).
			SetResult(&page).
			SetError(&zoomError{})
		if token != "" {
			r.SetQueryParam("next_page_token", token)
		}
		resp, err := r.Get("/past_meetings/{id}/participants")
		if err := z.check(resp, err, "list participants"); err != nil {
			return nil, err
		}
		for _, p := range page.Participants {
			out = append(out, Participant{
				Name:      p.Name,
				Email:     p.UserEmail,
				JoinTime:  p.JoinTime,
				LeaveTime: p.LeaveTime,
				Duration:  time.Duration(p.Duration) * time.Second,
			})
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		token = page.NextPageToken
	}
}

func (z *ZoomProvider) check(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("zoom %s: %w", op, err)
	}
	if !resp.IsError() {
		return nil
	}
	msg := resp.Status()
	if e, ok := resp.Error().(*zoomError); ok && e.Message != "" {
		msg = fmt.Sprintf("%s (code %d)", e.Message, e.Code)
	}
	z.log.Warnw("Zoom API call failed", "operation", op, "status", resp.StatusCode(), "error", msg)
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("zoom %s: %w: %s", op, ErrNotFound, msg)
	}
	return fmt.Errorf("zoom %s: %d: %s", op, resp.StatusCode(), msg)
}

func zoomBody(req MeetingRequest) zoomMeetingBody {
	body := zoomMeetingBody{
		Topic:     req.Topic,
		Type:      zoomScheduledMeeting,
		StartTime: req.StartTime.UTC().Format("2006-01-02T15:04:05Z"),
		Duration:  req.Duration,
		Timezone:  req.timezone(),
		Agenda:    req.Agenda,
		Settings:  &zoomSettings{WaitingRoom: true},
	}
	for _, a := range req.Attendees {
		body.Settings.MeetingInvitees = append(body.Settings.MeetingInvitees, zoomInvitee{Email: a})
	}
	return body
}

func (m zoomMeeting) toMeeting() Meeting {
	return Meeting{
		ID:        strconv.FormatInt(m.ID, 10),
		Provider:  ProviderZoom,
		Topic:     m.Topic,
		Agenda:    m.Agenda,
		StartTime: m.StartTime,
		Duration:  m.Duration,
		Timezone:  m.Timezone,
		JoinURL:   m.JoinURL,
		HostURL:   m.StartURL,
		HostEmail: m.HostEmail,
	}
}

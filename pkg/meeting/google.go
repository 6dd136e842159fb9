package meeting

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/getsinto/sschoool-sub001/pkg/config"
	"github.com/getsinto/sschoool-sub001/pkg/version"
)

const (
	defaultCalendarBaseURL = "https://www.googleapis.com/calendar/v3"
	defaultMeetBaseURL     = "https://meet.googleapis.com/v2"
	googleMeetSolution     = "hangoutsMeet"
)

// Scopes requested for the Google refresh token.
var googleScopes = []string{
	"https://www.googleapis.com/auth/calendar.events",
	"https://www.googleapis.com/auth/meetings.space.readonly",
}

type gDateTime struct {
	DateTime time.Time `json:"dateTime"`
	TimeZone string    `json:"timeZone,omitempty"`
}

type gAttendee struct {
	Email string `json:"email"`
}

type gEntryPoint struct {
	EntryPointType string `json:"entryPointType"`
	URI            string `json:"uri"`
}

type gConferenceData struct {
	CreateRequest *gCreateRequest `json:"createRequest,omitempty"`
	ConferenceID  string          `json:"conferenceId,omitempty"`
	EntryPoints   []gEntryPoint   `json:"entryPoints,omitempty"`
}

type gCreateRequest struct {
	RequestID             string `json:"requestId"`
	ConferenceSolutionKey struct {
		Type string `json:"type"`
	} `json:"conferenceSolutionKey"`
}

type gEvent struct {
	ID             string           `json:"id,omitempty"`
	Summary        string           `json:"summary"`
	Description    string           `json:"description,omitempty"`
	Start          gDateTime        `json:"start"`
	End            gDateTime        `json:"end"`
	Attendees      []gAttendee      `json:"attendees,omitempty"`
	HangoutLink    string           `json:"hangoutLink,omitempty"`
	HTMLLink       string           `json:"htmlLink,omitempty"`
	ConferenceData *gConferenceData `json:"conferenceData,omitempty"`
	Organizer      *struct {
		Email string `json:"email"`
	} `json:"organizer,omitempty"`
}

type gConferenceRecords struct {
	ConferenceRecords []struct {
		Name string `json:"name"`
	} `json:"conferenceRecords"`
}

type gDisplayName struct {
	DisplayName string `json:"displayName"`
}

type gParticipant struct {
	EarliestStartTime time.Time     `json:"earliestStartTime"`
	LatestEndTime     time.Time     `json:"latestEndTime"`
	SignedinUser      *gDisplayName `json:"signedinUser,omitempty"`
	AnonymousUser     *gDisplayName `json:"anonymousUser,omitempty"`
	PhoneUser         *gDisplayName `json:"phoneUser,omitempty"`
}

func (p gParticipant) name() string {
	for _, u := range []*gDisplayName{p.SignedinUser, p.AnonymousUser, p.PhoneUser} {
		if u != nil && u.DisplayName != "" {
			return u.DisplayName
		}
	}
	return "unknown"
}

type gParticipants struct {
	Participants  []gParticipant `json:"participants"`
	NextPageToken string         `json:"nextPageToken"`
}

type gError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// GoogleProvider creates Google Calendar events with a Meet conference and
// reads attendance from the Meet REST API.
type GoogleProvider struct {
	calendar   *resty.Client
	meet       *resty.Client
	calendarID string
	log        *zap.SugaredLogger
}

// NewGoogleProvider creates a Google adapter that authenticates with a stored
// refresh token. The oauth2 transport exchanges it for access tokens as
// needed.
func NewGoogleProvider(cfg config.Google, log *zap.SugaredLogger) (*GoogleProvider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
		return nil, fmt.Errorf("google requires clientID, clientSecret and refreshToken")
	}
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       googleScopes,
	}
	httpClient := oc.Client(context.Background(), &oauth2.Token{RefreshToken: cfg.RefreshToken})

	calendarID := cfg.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}
	calendarBase := cfg.CalendarBaseURL
	if calendarBase == "" {
		calendarBase = defaultCalendarBaseURL
	}
	meetBase := cfg.MeetBaseURL
	if meetBase == "" {
		meetBase = defaultMeetBaseURL
	}
	log.Infow("Initializing Google Meet provider", "calendarID", calendarID)

	return &GoogleProvider{
		calendar:   newGoogleClient(httpClient, calendarBase),
		meet:       newGoogleClient(httpClient, meetBase),
		calendarID: calendarID,
		log:        log,
	}, nil
}

func (g *GoogleProvider) Name() string { return ProviderGoogle }

func (g *GoogleProvider) CreateMeeting(ctx context.Context, req MeetingRequest) (Meeting, error) {
	body := googleEvent(req)
	cr := &gCreateRequest{RequestID: uuid.NewString()}
	cr.ConferenceSolutionKey.Type = googleMeetSolution
	body.ConferenceData = &gConferenceData{CreateRequest: cr}

	var out gEvent
	resp, err := g.calendar.R().
		SetContext(ctx).
		SetPathParam("calendarId", g.calendarID).
		SetQueryParam("conferenceDataVersion", "1").
		SetQueryParam("sendUpdates", "none").
		SetBody(body).
		SetResult(&out).
		SetError(&gError{}).
		Post("/calendars/{calendarId}/events")
	if err := g.check(resp, err, "create event"); err != nil {
		return Meeting{}, err
	}
	m := out.toMeeting(req.Duration)
	if req.HostEmail != "" {
		m.HostEmail = req.HostEmail
	}
	g.log.Infow("Created Google Meet event", "id", m.ID, "topic", m.Topic, "joinURL", m.JoinURL)
	return m, nil
}

func (g *GoogleProvider) GetMeeting(ctx context.Context, id string) (Meeting, error) {
	ev, err := g.event(ctx, id)
	if err != nil {
		return Meeting{}, err
	}
	return ev.toMeeting(0), nil
}

func (g *GoogleProvider) UpdateMeeting(ctx context.Context, id string, req MeetingRequest) (Meeting, error) {
	var out gEvent
	resp, err := g.calendar.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"calendarId": g.calendarID, "eventId": id}).
		SetQueryParam("conferenceDataVersion", "1").
		SetBody(googleEvent(req)).
		SetResult(&out).
		SetError(&gError{}).
		Patch("/calendars/{calendarId}/events/{eventId}")
	if err := g.check(resp, err, "update event"); err != nil {
		return Meeting{}, err
	}
	return out.toMeeting(req.Duration), nil
}

func (g *GoogleProvider) DeleteMeeting(ctx context.Context, id string) error {
	resp, err := g.calendar.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"calendarId": g.calendarID, "eventId": id}).
		SetError(&gError{}).
		Delete("/calendars/{calendarId}/events/{eventId}")
	return g.check(resp, err, "delete event")
}

// ListAttendance finds the conference records of the event's Meet space by
// meeting code and collects the participants of each record.
func (g *GoogleProvider) ListAttendance(ctx context.Context, id string) ([]Participant, error) {
	ev, err := g.event(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.ConferenceData == nil || ev.ConferenceData.ConferenceID == "" {
		return nil, fmt.Errorf("google event %s has no Meet conference", id)
	}

	var records gConferenceRecords
	resp, err := g.meet.R().
		SetContext(ctx).
		SetQueryParam("filter", fmt.Sprintf("space.meeting_code = %q", ev.ConferenceData.ConferenceID)).
		SetResult(&records).
		SetError(&gError{}).
		Get("/conferenceRecords")
	if err := g.check(resp, err, "list conference records"); err != nil {
		return nil, err
	}

	var out []Participant
	for _, rec := range records.ConferenceRecords {
		token := ""
		for {
			var page gParticipants
			r := g.meet.R().
				SetContext(ctx).
				SetQueryParam("pageSize", "250").
				SetResult(&page).
				SetError(&gError{})
			if token != "" {
				r.SetQueryParam("pageToken", token)
			}
			resp, err := r.Get("/" + rec.Name + "/participants")
			if err := g.check(resp, err, "list participants"); err != nil {
				return nil, err
			}
			for _, p := range page.Participants {
				out = append(out, Participant{
					Name:      p.name(),
					JoinTime:  p.EarliestStartTime,
					LeaveTime: p.LatestEndTime,
					Duration:  p.LatestEndTime.Sub(p.EarliestStartTime),
				})
			}
			if page.NextPageToken == "" {
				break
			}
			token = page.NextPageToken
		}
	}
	return out, nil
}

func (g *GoogleProvider) event(ctx context.Context, id string) (gEvent, error) {
	var out gEvent
	resp, err := g.calendar.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"calendarId": g.calendarID, "eventId": id}).
		SetResult(&out).
		SetError(&gError{}).
		Get("/calendars/{calendarId}/events/{eventId}")
	if err := g.check(resp, err, "get event"); err != nil {
		return gEvent{}, err
	}
	return out, nil
}

func (g *GoogleProvider) check(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("google %s: %w", op, err)
	}
	if !resp.IsError() {
		return nil
	}
	msg := resp.Status()
	if e, ok := resp.Error().(*gError); ok && e.Error.Message != "" {
		msg = e.Error.Message
	}
	g.log.Warnw("Google API call failed", "operation", op, "status", resp.StatusCode(), "error", msg)
	switch resp.StatusCode() {
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("google %s: %w: %s", op, ErrNotFound, msg)
	}
	return fmt.Errorf("google %s: %d: %s", op, resp.StatusCode(), msg)
}

func googleEvent(req MeetingRequest) gEvent {
	ev := gEvent{
		Summary:     req.Topic,
		Description: req.Agenda,
		Start:       gDateTime{DateTime: req.StartTime, TimeZone: req.timezone()},
		End:         gDateTime{DateTime: req.endTime(), TimeZone: req.timezone()},
	}
	for _, a := range req.Attendees {
		ev.Attendees = append(ev.Attendees, gAttendee{Email: a})
	}
	return ev
}

// toMeeting converts an event. duration overrides the start/end difference
// when positive.
func (e gEvent) toMeeting(duration int) Meeting {
	if duration <= 0 {
		duration = int(e.End.DateTime.Sub(e.Start.DateTime) / time.Minute)
	}
	m := Meeting{
		ID:        e.ID,
		Provider:  ProviderGoogle,
		Topic:     e.Summary,
		Agenda:    e.Description,
		StartTime: e.Start.DateTime,
		Duration:  duration,
		Timezone:  e.Start.TimeZone,
		JoinURL:   e.HangoutLink,
		HostURL:   e.HTMLLink,
	}
	if m.JoinURL == "" && e.ConferenceData != nil {
		for _, ep := range e.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" {
				m.JoinURL = ep.URI
				break
			}
		}
	}
	if e.Organizer != nil {
		m.HostEmail = e.Organizer.Email
	}
	for _, a := range e.Attendees {
		m.Attendees = append(m.Attendees, a.Email)
	}
	return m
}

func newGoogleClient(hc *http.Client, baseURL string) *resty.Client {
	return resty.NewWithClient(hc).
		SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		SetHeader("User-Agent", version.UserAgent())
}

package meeting

import (
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a meeting does not exist at the provider
	// or in the registry.
	ErrNotFound = errors.New("meeting not found")
	// ErrInvalidRequest wraps validation failures of a MeetingRequest.
	ErrInvalidRequest = errors.New("invalid meeting request")
	// ErrUnknownProvider is returned for provider names without a configured adapter.
	ErrUnknownProvider = errors.New("unknown meeting provider")
)

// Provider names.
const (
	ProviderZoom   = "zoom"
	ProviderGoogle = "google"
)

// MeetingRequest describes a meeting to create or update.
type MeetingRequest struct {
	// Provider selects the adapter. Empty means the configured default.
	Provider  string    `json:"provider,omitempty"`
	Topic     string    `json:"topic"`
	Agenda    string    `json:"agenda,omitempty"`
	StartTime time.Time `json:"startTime"`
	// Duration is the planned length in minutes.
	Duration  int      `json:"duration"`
	Timezone  string   `json:"timezone,omitempty"`
	HostEmail string   `json:"hostEmail,omitempty"`
	Attendees []string `json:"attendees,omitempty"`
}

// Validate checks the fields every provider needs.
func (r MeetingRequest) Validate() error {
	var problems []string
	if strings.TrimSpace(r.Topic) == "" {
		problems = append(problems, "topic is required")
	}
	if r.StartTime.IsZero() {
		problems = append(problems, "startTime is required")
	}
	if r.Duration <= 0 {
		problems = append(problems, "duration must be positive")
	}
	if r.Timezone != "" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			problems = append(problems, fmt.Sprintf("unknown timezone %q", r.Timezone))
		}
	}
	if r.HostEmail != "" {
		if _, err := mail.ParseAddress(r.HostEmail); err != nil {
			problems = append(problems, fmt.Sprintf("invalid hostEmail %q", r.HostEmail))
		}
	}
	for _, a := range r.Attendees {
		if _, err := mail.ParseAddress(a); err != nil {
			problems = append(problems, fmt.Sprintf("invalid attendee %q", a))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

func (r MeetingRequest) timezone() string {
	if r.Timezone == "" {
		return "UTC"
	}
	return r.Timezone
}

func (r MeetingRequest) endTime() time.Time {
	return r.StartTime.Add(time.Duration(r.Duration) * time.Minute)
}

// Meeting is a meeting as known by its provider.
type Meeting struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Topic     string    `json:"topic"`
	Agenda    string    `json:"agenda,omitempty"`
	StartTime time.Time `json:"startTime"`
	Duration  int       `json:"duration"`
	Timezone  string    `json:"timezone,omitempty"`
	JoinURL   string    `json:"joinURL"`
	// HostURL starts the meeting with host privileges, when the provider has one.
	HostURL   string   `json:"hostURL,omitempty"`
	HostEmail string   `json:"hostEmail,omitempty"`
	Attendees []string `json:"attendees,omitempty"`
}

// EndTime is StartTime plus the planned duration.
func (m Meeting) EndTime() time.Time {
	return m.StartTime.Add(time.Duration(m.Duration) * time.Minute)
}

// Participant is one attendee's presence in a meeting.
type Participant struct {
	Name      string        `json:"name"`
	Email     string        `json:"email,omitempty"`
	JoinTime  time.Time     `json:"joinTime"`
	LeaveTime time.Time     `json:"leaveTime"`
	Duration  time.Duration `json:"duration"`
}

// Attendance is the synced participant list of a meeting.
type Attendance struct {
	MeetingID    string        `json:"meetingId"`
	Provider     string        `json:"provider"`
	Participants []Participant `json:"participants"`
	SyncedAt     time.Time     `json:"syncedAt"`
}

// Merge folds repeated sessions of the same person (rejoins) into one
// Participant, keyed by email or, without one, by name. The result is sorted
// by join time.
func Merge(sessions []Participant) []Participant {
	byKey := make(map[string]*Participant, len(sessions))
	var order []string
	for _, s := range sessions {
		key := strings.ToLower(s.Email)
		if key == "" {
			key = "name:" + s.Name
		}
		p, ok := byKey[key]
		if !ok {
			c := s
			byKey[key] = &c
			order = append(order, key)
			continue
		}
		p.Duration += s.Duration
		if s.JoinTime.Before(p.JoinTime) {
			p.JoinTime = s.JoinTime
		}
		if s.LeaveTime.After(p.LeaveTime) {
			p.LeaveTime = s.LeaveTime
		}
		if p.Name == "" {
			p.Name = s.Name
		}
	}
	out := make([]Participant, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].JoinTime.Before(out[j].JoinTime) })
	return out
}

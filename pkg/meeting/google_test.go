package meeting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getsinto/sschoool-sub001/pkg/config"
	"github.com/getsinto/sschoool-sub001/pkg/system"
)

const googleEventJSON = `{
  "id": "evt123",
  "summary": "Biology",
  "description": "Cells",
  "start": {"dateTime": "2026-03-02T09:00:00Z", "timeZone": "Europe/Berlin"},
  "end": {"dateTime": "2026-03-02T09:50:00Z", "timeZone": "Europe/Berlin"},
  "hangoutLink": "https://meet.google.com/abc-defg-hij",
  "htmlLink": "https://calendar.google.com/event?eid=evt123",
  "organizer": {"email": "teacher@school.example"},
  "attendees": [{"email": "a@example.com"}],
  "conferenceData": {"conferenceId": "abc-defg-hij", "entryPoints": [{"entryPointType": "video", "uri": "https://meet.google.com/abc-defg-hij"}]}
}`

func newGoogleTestProvider(t *testing.T, created *gEvent) *GoogleProvider {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"google-token","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("POST /calendar/calendars/{cid}/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer google-token", r.Header.Get("Authorization"))
		assert.Equal(t, "classes@group.calendar.google.com", r.PathValue("cid"))
		assert.Equal(t, "1", r.URL.Query().Get("conferenceDataVersion"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(created))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(googleEventJSON))
	})
	mux.HandleFunc("GET /calendar/calendars/{cid}/events/{eid}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.PathValue("eid") != "evt123" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Not Found","status":"NOT_FOUND"}}`))
			return
		}
		_, _ = w.Write([]byte(googleEventJSON))
	})
	mux.HandleFunc("DELETE /calendar/calendars/{cid}/events/{eid}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("eid") != "evt123" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusGone)
			_, _ = w.Write([]byte(`{"error":{"code":410,"message":"Resource has been deleted"}}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /meet/conferenceRecords", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `space.meeting_code = "abc-defg-hij"`, r.URL.Query().Get("filter"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"conferenceRecords":[{"name":"conferenceRecords/rec1"}]}`))
	})
	mux.HandleFunc("GET /meet/conferenceRecords/rec1/participants", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pageToken") == "" {
			_, _ = w.Write([]byte(`{"participants":[{"earliestStartTime":"2026-03-02T09:00:00Z","latestEndTime":"2026-03-02T09:45:00Z","signedinUser":{"user":"users/1","displayName":"Rosalind"}}],"nextPageToken":"n2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"participants":[{"earliestStartTime":"2026-03-02T09:10:00Z","latestEndTime":"2026-03-02T09:20:00Z","anonymousUser":{"displayName":"Guest"}}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	g, err := NewGoogleProvider(config.Google{
		ClientID:        "gid",
		ClientSecret:    "gsecret",
		RefreshToken:    "refresh-1",
		CalendarID:      "classes@group.calendar.google.com",
		CalendarBaseURL: srv.URL + "/calendar",
		MeetBaseURL:     srv.URL + "/meet",
		TokenURL:        srv.URL + "/token",
	}, system.NewTestLogger())
	require.NoError(t, err)
	return g
}

func TestNewGoogleProviderRequiresRefreshToken(t *testing.T) {
	_, err := NewGoogleProvider(config.Google{ClientID: "a", ClientSecret: "b"}, system.NewTestLogger())
	assert.Error(t, err)
}

func TestGoogleCreateMeeting(t *testing.T) {
	var created gEvent
	g := newGoogleTestProvider(t, &created)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m, err := g.CreateMeeting(context.Background(), MeetingRequest{
		Topic:     "Biology",
		Agenda:    "Cells",
		StartTime: start,
		Duration:  50,
		Timezone:  "Europe/Berlin",
		Attendees: []string{"a@example.com"},
	})
	require.NoError(t, err)

	assert.Equal(t, "evt123", m.ID)
	assert.Equal(t, ProviderGoogle, m.Provider)
	assert.Equal(t, "https://meet.google.com/abc-defg-hij", m.JoinURL)
	assert.Equal(t, "teacher@school.example", m.HostEmail)
	assert.Equal(t, 50, m.Duration)
	assert.Equal(t, []string{"a@example.com"}, m.Attendees)

	require.NotNil(t, created.ConferenceData)
	require.NotNil(t, created.ConferenceData.CreateRequest)
	assert.Equal(t, "hangoutsMeet", created.ConferenceData.CreateRequest.ConferenceSolutionKey.Type)
	assert.NotEmpty(t, created.ConferenceData.CreateRequest.RequestID)
	assert.True(t, start.Add(50*time.Minute).Equal(created.End.DateTime))
	assert.Equal(t, "Europe/Berlin", created.Start.TimeZone)
}

func TestGoogleGetMeeting(t *testing.T) {
	g := newGoogleTestProvider(t, &gEvent{})
	m, err := g.GetMeeting(context.Background(), "evt123")
	require.NoError(t, err)
	assert.Equal(t, 50, m.Duration)

	_, err = g.GetMeeting(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGoogleDeleteMeeting(t *testing.T) {
	g := newGoogleTestProvider(t, &gEvent{})
	require.NoError(t, g.DeleteMeeting(context.Background(), "evt123"))
	assert.ErrorIs(t, g.DeleteMeeting(context.Background(), "gone"), ErrNotFound)
}

func TestGoogleListAttendance(t *testing.T) {
	g := newGoogleTestProvider(t, &gEvent{})
	ps, err := g.ListAttendance(context.Background(), "evt123")
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, "Rosalind", ps[0].Name)
	assert.Equal(t, 45*time.Minute, ps[0].Duration)
	assert.Equal(t, "Guest", ps[1].Name)
}

func TestGoogleEventToMeetingFallsBackToEntryPoint(t *testing.T) {
	ev := gEvent{
		ID:             "e",
		Start:          gDateTime{DateTime: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)},
		End:            gDateTime{DateTime: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)},
		ConferenceData: &gConferenceData{EntryPoints: []gEntryPoint{{EntryPointType: "phone", URI: "tel:+1"}, {EntryPointType: "video", URI: "https://meet.google.com/x"}}},
	}
	m := ev.toMeeting(0)
	assert.Equal(t, "https://meet.google.com/x", m.JoinURL)
	assert.Equal(t, 60, m.Duration)
}

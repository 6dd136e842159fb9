package meeting

import (
	"sort"
	"sync"
	"time"
)

type record struct {
	meeting    Meeting
	attendance *Attendance
	reported   bool
	// reminders are the queue ids of scheduled class_reminder mail.
	reminders []string
}

// Registry keeps the meetings created through the notifier and their last
// synced attendance. It is in-memory like the mail queue.
type Registry struct {
	mu       sync.RWMutex
	meetings map[string]*record
}

func NewRegistry() *Registry {
	return &Registry{meetings: make(map[string]*record)}
}

// Add stores m, replacing an earlier entry with the same id.
func (r *Registry) Add(m Meeting) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.meetings[m.ID]; ok {
		rec.meeting = m
		return
	}
	r.meetings[m.ID] = &record{meeting: m}
}

func (r *Registry) Get(id string) (Meeting, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.meetings[id]
	if !ok {
		return Meeting{}, false
	}
	return rec.meeting, true
}

// Remove drops the meeting and returns the ids of its scheduled reminders.
func (r *Registry) Remove(id string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.meetings[id]
	if !ok {
		return nil, false
	}
	delete(r.meetings, id)
	return rec.reminders, true
}

func (r *Registry) SetReminders(id string, jobIDs []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.meetings[id]
	if !ok {
		return false
	}
	rec.reminders = append([]string(nil), jobIDs...)
	return true
}

// List returns all meetings ordered by start time.
func (r *Registry) List() []Meeting {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Meeting, 0, len(r.meetings))
	for _, rec := range r.meetings {
		out = append(out, rec.meeting)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// PendingReports returns meetings that ended before cutoff and whose
// attendance report has not been sent yet.
func (r *Registry) PendingReports(cutoff time.Time) []Meeting {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Meeting
	for _, rec := range r.meetings {
		if !rec.reported && rec.meeting.EndTime().Before(cutoff) {
			out = append(out, rec.meeting)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (r *Registry) SetAttendance(id string, a Attendance) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.meetings[id]
	if !ok {
		return false
	}
	rec.attendance = &a
	return true
}

func (r *Registry) Attendance(id string) (Attendance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.meetings[id]
	if !ok || rec.attendance == nil {
		return Attendance{}, false
	}
	a := *rec.attendance
	a.Participants = append([]Participant(nil), rec.attendance.Participants...)
	return a, true
}

func (r *Registry) MarkReported(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.meetings[id]; ok {
		rec.reported = true
	}
}

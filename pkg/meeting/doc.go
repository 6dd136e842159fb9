// Package meeting integrates the notifier with video meeting providers.
//
// A Provider creates, updates and deletes meetings at Zoom or Google Meet and
// reads their attendance. The Service records meetings it created in a
// Registry and schedules invite and reminder mail through the mail queue.
// The Syncer periodically pulls attendance for meetings that have ended and
// mails a report to the host.
package meeting

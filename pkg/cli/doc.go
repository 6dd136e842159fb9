// Package cli defines the notifier command tree: the long-running serve
// command and the send, render and version tools.
package cli

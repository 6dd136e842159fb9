// Package apiresponses provides the JSON response helpers shared by the
// notifier API controllers, so every endpoint reports errors the same way.
package apiresponses

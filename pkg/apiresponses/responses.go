/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apiresponses

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// APIError is the body of every error response.
type APIError struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// QueuedResponse is returned when a mail job was accepted.
type QueuedResponse struct {
	ID string `json:"id"`
}

func abort(c *gin.Context, status int, body APIError) {
	c.AbortWithStatusJSON(status, body)
}

// RespondNotFound sends a 404 naming the missing resource.
func RespondNotFound(c *gin.Context, resourceType, resourceName string) {
	abort(c, http.StatusNotFound, APIError{
		Error: fmt.Sprintf("%s not found: %s", resourceType, resourceName),
		Code:  "NOT_FOUND",
	})
}

// RespondUnauthorized sends a 401. An empty message uses a generic one.
func RespondUnauthorized(c *gin.Context, message string) {
	if message == "" {
		message = "caller not authenticated"
	}
	c.Header("WWW-Authenticate", `Bearer realm="notifier"`)
	abort(c, http.StatusUnauthorized, APIError{
		Error: message,
		Code:  "UNAUTHORIZED",
	})
}

// RespondForbidden sends a 403 for authenticated callers lacking a role.
func RespondForbidden(c *gin.Context, reason string) {
	if reason == "" {
		reason = "access denied"
	}
	abort(c, http.StatusForbidden, APIError{
		Error: reason,
		Code:  "FORBIDDEN",
	})
}

// RespondBadRequest sends a 400 for malformed bodies and invalid fields.
func RespondBadRequest(c *gin.Context, message string) {
	abort(c, http.StatusBadRequest, APIError{
		Error: message,
		Code:  "BAD_REQUEST",
	})
}

// RespondBadRequestWithDetails sends a 400 with the underlying error as details.
func RespondBadRequestWithDetails(c *gin.Context, message, details string) {
	abort(c, http.StatusBadRequest, APIError{
		Error:   message,
		Code:    "BAD_REQUEST",
		Details: details,
	})
}

// RespondInternalError logs err and sends a sanitized 500.
func RespondInternalError(c *gin.Context, operation string, err error, log *zap.SugaredLogger) {
	if log != nil {
		log.Errorw(fmt.Sprintf("Failed to %s", operation), "error", err)
	}
	abort(c, http.StatusInternalServerError, APIError{
		Error: fmt.Sprintf("failed to %s", operation),
		Code:  "INTERNAL_ERROR",
	})
}

// RespondBadGateway sends a 502 when an upstream provider failed.
func RespondBadGateway(c *gin.Context, message string) {
	if message == "" {
		message = "bad gateway"
	}
	abort(c, http.StatusBadGateway, APIError{
		Error: message,
		Code:  "BAD_GATEWAY",
	})
}

// RespondServiceUnavailable sends a 503. retryAfter, when positive, is the
// number of seconds advertised in the Retry-After header.
func RespondServiceUnavailable(c *gin.Context, service string, retryAfter int) {
	if retryAfter > 0 {
		c.Header("Retry-After", fmt.Sprint(retryAfter))
	}
	abort(c, http.StatusServiceUnavailable, APIError{
		Error: fmt.Sprintf("service unavailable: %s", service),
		Code:  "SERVICE_UNAVAILABLE",
	})
}

// RespondAccepted sends a 202 carrying the queued job id.
func RespondAccepted(c *gin.Context, id string) {
	c.JSON(http.StatusAccepted, QueuedResponse{ID: id})
}

func RespondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}

func RespondCreated(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, data)
}

func RespondNoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

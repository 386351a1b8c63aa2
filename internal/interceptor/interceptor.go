// Package interceptor classifies live request/response pairs pushed by the
// browser driver as API traffic or noise, and emits Observations for the
// pairs that pass classification.
package interceptor

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BetterCallFirewall/Hackerecon/internal/models"
)

var staticAssetExtensions = map[string]bool{
	"css": true, "png": true, "jpg": true, "jpeg": true, "gif": true,
	"svg": true, "woff": true, "woff2": true, "ttf": true, "eot": true,
	"ico": true, "webp": true, "mp4": true, "mp3": true, "wav": true,
	"pdf": true, "zip": true,
}

var trackerPatterns = []string{
	"google-analytics.com", "googletagmanager.com", "doubleclick.net",
	"facebook.net", "facebook.com/tr", "hotjar.com", "segment.io",
	"mixpanel.com", "amplitude.com", "sentry.io",
}

var apiPathMarkers = []string{"/api/", "/v1/", "/v2/", "/v3/", "/graphql", "/rest/"}

var writeMethods = map[string]bool{"POST": true, "PUT": true, "PATCH": true, "DELETE": true}

// RequestResponse is the raw fields pushed by the browser driver for one
// in-flight request.
type RequestResponse struct {
	Method          string
	URL             string
	RequestHeaders  map[string]string
	RequestBody     string
	ResponseStatus  int
	ResponseHeaders map[string]string
	ResponseBody    string
	PageURL         string
}

func extension(rawURL string) string {
	idx := strings.LastIndex(rawURL, ".")
	if idx == -1 {
		return ""
	}
	ext := rawURL[idx+1:]
	if q := strings.IndexAny(ext, "?#"); q != -1 {
		ext = ext[:q]
	}
	return strings.ToLower(ext)
}

func isStaticAsset(rawURL string) bool {
	return staticAssetExtensions[extension(rawURL)]
}

func isTracker(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, pattern := range trackerPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func isTrackerSubdomain(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, prefix := range []string{"//static.", "//cdn.", "//assets."} {
		if strings.Contains(lower, prefix) {
			return true
		}
	}
	return false
}

func isAPITraffic(rr RequestResponse) bool {
	contentType := strings.ToLower(rr.ResponseHeaders["Content-Type"])
	if strings.Contains(contentType, "application/json") || strings.Contains(contentType, "xml") {
		return true
	}

	lowerURL := strings.ToLower(rr.URL)
	for _, marker := range apiPathMarkers {
		if strings.Contains(lowerURL, marker) {
			return true
		}
	}
	if strings.HasSuffix(lowerURL, ".json") {
		return true
	}

	if writeMethods[strings.ToUpper(rr.Method)] && !isTracker(rr.URL) {
		return true
	}

	return false
}

// Classify reports whether rr should become an Observation, per the
// enumerated accept/reject rules.
func Classify(rr RequestResponse) bool {
	if isStaticAsset(rr.URL) {
		return false
	}
	if isTracker(rr.URL) {
		return false
	}
	if isTrackerSubdomain(rr.URL) {
		return false
	}
	return isAPITraffic(rr)
}

// Interceptor turns accepted request/response pairs into Observations
// tagged with the interaction id in effect when they arrived. The UI action
// passed to SetInteraction is kept on the Interceptor but not copied onto
// the Observation.
type Interceptor struct {
	sessionID        string
	interactionID    int64
	lastAction       models.ActionKind
	observationCount int64
}

// New returns an Interceptor for one session.
func New(sessionID string) *Interceptor {
	return &Interceptor{sessionID: sessionID}
}

// SetInteraction updates the interaction id and UI action attributed to
// subsequently observed traffic, called by the Supervisor before each
// Navigator step.
func (ic *Interceptor) SetInteraction(interactionID int64, action models.ActionKind) {
	ic.interactionID = interactionID
	ic.lastAction = action
}

// Observe classifies rr and, if accepted, returns an Observation. The
// second return value is false when rr was rejected.
func (ic *Interceptor) Observe(rr RequestResponse) (models.Observation, bool) {
	if !Classify(rr) {
		return models.Observation{}, false
	}

	id := atomic.AddInt64(&ic.observationCount, 1)
	return models.Observation{
		ID:              ic.sessionID + "-obs-" + strconv.FormatInt(id, 10),
		SessionID:       ic.sessionID,
		InteractionID:   ic.interactionID,
		Timestamp:       time.Now(),
		Method:          strings.ToUpper(rr.Method),
		URL:             rr.URL,
		RequestHeaders:  rr.RequestHeaders,
		RequestBody:     rr.RequestBody,
		Status:          rr.ResponseStatus,
		ResponseHeaders: rr.ResponseHeaders,
		ResponseBody:    rr.ResponseBody,
		PageURL:         rr.PageURL,
	}, true
}

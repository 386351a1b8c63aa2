// Package navigator chooses and executes the next UI action from the
// current page, filling and submitting forms with synthetic data and
// tracking exploration termination.
package navigator

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/BetterCallFirewall/Hackerecon/internal/guardrail"
	"github.com/BetterCallFirewall/Hackerecon/internal/models"
	"github.com/BetterCallFirewall/Hackerecon/internal/ratelimit"
)

// ElementHandle is one interactive element identified by the overlay's
// integer id, as reported by the browser driver.
type ElementHandle struct {
	ID           int
	Tag          string
	AccessibleText string
	Href         string
	SameOrigin   bool
}

// Form is a detected HTML form with its fillable fields.
type Form struct {
	ID     string
	Action string
	Method string
	Fields []FormField
}

// FormField is one fillable input within a Form.
type FormField struct {
	Name string
	Type string
}

// Driver is the subset of the browser driver contract the Navigator needs.
type Driver interface {
	CurrentURL(ctx context.Context) (string, error)
	RefreshOverlay(ctx context.Context) ([]ElementHandle, error)
	HTML(ctx context.Context) (string, error)
	Click(ctx context.Context, elementID int) error
	Fill(ctx context.Context, selector, value string) error
	Submit(ctx context.Context, formID string) error
	Scroll(ctx context.Context, direction string) error
}

const (
	overlayTimeout     = 10 * time.Second
	maxElementsPerStep = 5
	postClickWait      = 1 * time.Second
	deadEndStreak      = 15
)

var logoutTokens = []string{"logout", "sign out", "signout", "log out"}

// syntheticValue returns the synthetic value to fill for a field of the
// given name/type, per the enumerated name/type mapping.
func syntheticValue(fieldType, fieldName string, n int) string {
	name := strings.ToLower(fieldName)
	switch {
	case fieldType == "email" || strings.Contains(name, "email"):
		return fmt.Sprintf("test%d@example.com", n)
	case fieldType == "password" || strings.Contains(name, "password"):
		return "TestPassword123!"
	case fieldType == "tel" || strings.Contains(name, "phone"):
		return fmt.Sprintf("+1555%07d", n)
	case fieldType == "search":
		return "test search query"
	case fieldType == "number":
		return "42"
	default:
		return fmt.Sprintf("test_value_%d", n)
	}
}

// ExtractForms finds fillable forms in htmlContent, grounded on the same
// goquery walking idiom used elsewhere in this codebase for HTML extraction.
func ExtractForms(htmlContent string) []Form {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil
	}

	var forms []Form
	doc.Find("form").Each(func(_ int, sel *goquery.Selection) {
		action, _ := sel.Attr("action")
		method, _ := sel.Attr("method")
		if method == "" {
			method = "GET"
		}

		form := Form{
			ID:     FormID(action, strings.ToUpper(method)),
			Action: action,
			Method: strings.ToUpper(method),
		}

		sel.Find("input, select, textarea").Each(func(_ int, field *goquery.Selection) {
			name, ok := field.Attr("name")
			if !ok || name == "" {
				return
			}
			fieldType, _ := field.Attr("type")
			if fieldType == "" {
				fieldType = "text"
			}
			form.Fields = append(form.Fields, FormField{Name: name, Type: fieldType})
		})

		forms = append(forms, form)
	})
	return forms
}

// FormID derives a stable form identifier from its action and method, used
// by both ExtractForms and the browser driver's Submit to agree on which
// live DOM form a given Form value refers to.
func FormID(action, method string) string {
	hash := sha256.Sum256([]byte(action + "|" + method))
	return fmt.Sprintf("%x", hash)[:16]
}

// isBlockedElement reports whether an element should never be clicked:
// logout/sign-out text, or an anchor pointing off-origin.
func isBlockedElement(el ElementHandle) bool {
	text := strings.ToLower(el.AccessibleText)
	for _, token := range logoutTokens {
		if strings.Contains(text, token) {
			return true
		}
	}
	if el.Href != "" && !el.SameOrigin {
		return true
	}
	return false
}

// prioritize selects up to maxElementsPerStep candidates, favoring
// unvisited targets, anchors/buttons over generic elements, and anchors
// pointing to the current origin, skipping blocked elements.
func prioritize(elements []ElementHandle, unexplored map[int]bool) []ElementHandle {
	filtered := make([]ElementHandle, 0, len(elements))
	for _, el := range elements {
		if !isBlockedElement(el) {
			filtered = append(filtered, el)
		}
	}

	score := func(el ElementHandle) int {
		s := 0
		if unexplored[el.ID] {
			s += 4
		}
		if el.Tag == "a" || el.Tag == "button" {
			s += 2
		}
		if el.Href != "" && el.SameOrigin {
			s += 1
		}
		return s
	}

	for i := 0; i < len(filtered); i++ {
		for j := i + 1; j < len(filtered); j++ {
			if score(filtered[j]) > score(filtered[i]) {
				filtered[i], filtered[j] = filtered[j], filtered[i]
			}
		}
	}

	if len(filtered) > maxElementsPerStep {
		filtered = filtered[:maxElementsPerStep]
	}
	return filtered
}

// Navigator executes the Explore-phase strategy against a Driver.
type Navigator struct {
	driver    Driver
	guardrail *guardrail.Guardrail
	limiter   *ratelimit.Limiter
	sessionID string

	noObservationStreak int
	fillCounter         int
	seenForms           map[string]bool
}

// New returns a Navigator wired to driver, a guardrail instance, and the
// session's shared rate limiter — the same one the Verifier's probes draw
// from, so a click-triggered
// navigation takes a token from the same budget. Actions are validated
// through the guardrail before execution.
func New(driver Driver, g *guardrail.Guardrail, limiter *ratelimit.Limiter, sessionID string) *Navigator {
	return &Navigator{driver: driver, guardrail: g, limiter: limiter, sessionID: sessionID, seenForms: make(map[string]bool)}
}

// StepResult reports what a single Explore step accomplished.
type StepResult struct {
	Actions            []models.UIActionRecord
	NewObservationSeen bool
	// Notes are short, freeform observations worth recording on the
	// session-level notes store (e.g. a form that needs a token field),
	// not promoted to a hypothesis.
	Notes []string
}

// isTokenField reports whether a form field looks like a CSRF or similar
// anti-forgery token, worth a session note so later probe requests know to
// carry it.
func isTokenField(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "csrf") || strings.Contains(lower, "_token") || strings.Contains(lower, "authenticity_token")
}

// Step executes one Explore-phase iteration: refresh the overlay, fill and
// submit the forms not seen on an earlier step, then click a prioritized
// subset of elements. If the overlay refresh fails, nothing is clicked.
func (n *Navigator) Step(ctx context.Context, unexplored map[int]bool) (StepResult, error) {
	result := StepResult{}

	overlayCtx, cancel := context.WithTimeout(ctx, overlayTimeout)
	defer cancel()

	elements, err := n.driver.RefreshOverlay(overlayCtx)
	if err != nil {
		// transient browser error: no element list is available, so this
		// step clicks nothing; forms are still processed from the page HTML.
		elements = nil
	}

	html, err := n.driver.HTML(ctx)
	if err == nil {
		forms := ExtractForms(html)
		for _, form := range forms {
			if n.seenForms[form.ID] {
				continue
			}
			n.seenForms[form.ID] = true
			n.fillCounter++
			for _, field := range form.Fields {
				if isTokenField(field.Name) {
					result.Notes = append(result.Notes, fmt.Sprintf("form %s requires token field %q", form.Action, field.Name))
				}
				value := syntheticValue(field.Type, field.Name, n.fillCounter)
				if err := n.driver.Fill(ctx, field.Name, value); err != nil {
					continue
				}
			}
			currentURL, _ := n.driver.CurrentURL(ctx)
			if verr := n.guardrail.ValidateAction(models.ActionType, form.ID, currentURL); verr != nil {
				continue
			}
			if err := n.limiter.Wait(ctx, n.sessionID); err != nil {
				continue
			}
			if err := n.driver.Submit(ctx, form.ID); err != nil {
				continue
			}
			result.Actions = append(result.Actions, models.UIActionRecord{
				Timestamp: time.Now(), Kind: models.ActionType, Target: form.ID,
			})
		}
	}

	candidates := prioritize(elements, unexplored)
	currentURL, _ := n.driver.CurrentURL(ctx)

	for _, el := range candidates {
		target := fmt.Sprintf("element:%d", el.ID)
		if err := n.guardrail.ValidateAction(models.ActionClick, target, currentURL); err != nil {
			continue
		}
		if err := n.limiter.Wait(ctx, n.sessionID); err != nil {
			continue
		}
		if err := n.driver.Click(ctx, el.ID); err != nil {
			continue
		}
		time.Sleep(postClickWait)
		result.Actions = append(result.Actions, models.UIActionRecord{
			Timestamp: time.Now(), Kind: models.ActionClick, Target: target,
		})
	}

	// Every step extends the streak; only RecordObservation resets it.
	n.noObservationStreak++

	return result, nil
}

// ShouldStopExploring reports whether the dead-end streak of fifteen
// consecutive Explore steps with no observation recorded through
// RecordObservation has been reached (counted per step, not per click).
func (n *Navigator) ShouldStopExploring() bool {
	return n.noObservationStreak >= deadEndStreak
}

// RecordObservation resets the no-observation streak; called by the caller
// once an Observe-phase pass attributes new observations to this step.
func (n *Navigator) RecordObservation() {
	n.noObservationStreak = 0
}

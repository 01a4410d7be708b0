package threatintel

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lucid-vigil/warden/pkg/events"
	"golang.org/x/time/rate"
)

// Validator checks and sanitizes incoming ThreatUpdates. Checks run in
// order: required fields, per-source rate limit, duplicate update id.
type Validator struct {
	mu           sync.Mutex
	rateLimiters map[string]*rate.Limiter
	limit        rate.Limit
	burst        int
	dedup        *events.Deduplicator
}

// NewValidator creates a validator. A non-positive ratePerSecond disables
// rate limiting.
func NewValidator(ratePerSecond float64, burst int, dedupWindow time.Duration) *Validator {
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Validator{
		rateLimiters: make(map[string]*rate.Limiter),
		limit:        limit,
		burst:        burst,
		dedup:        events.NewDeduplicator(dedupWindow),
	}
}

// Validate checks u and normalizes it in place.
func (v *Validator) Validate(u *ThreatUpdate) error {
	if u.ID == "" {
		return fmt.Errorf("update id is required")
	}
	if u.Source == "" {
		return fmt.Errorf("update source is required")
	}
	if u.Type == "" {
		return fmt.Errorf("update type is required")
	}
	if u.Severity == "" {
		u.Severity = events.SeverityInfo
	}
	u.Severity = strings.ToLower(u.Severity)
	if !events.ValidSeverity(u.Severity) {
		return fmt.Errorf("invalid severity: %s", u.Severity)
	}
	if u.Confidence < 0 || u.Confidence > 1 {
		return fmt.Errorf("confidence %.2f out of range", u.Confidence)
	}
	if len(u.IOCs) == 0 && len(u.TTPs) == 0 && len(u.Actors) == 0 {
		return fmt.Errorf("update %s carries no indicators, techniques or actors", u.ID)
	}

	for i := range u.IOCs {
		ioc := &u.IOCs[i]
		t, err := ParseIOCType(string(ioc.Type))
		if err != nil {
			return fmt.Errorf("ioc %d: %w", i, err)
		}
		ioc.Type = t
		norm, err := NormalizeValue(t, ioc.Value)
		if err != nil {
			return fmt.Errorf("ioc %d: %w", i, err)
		}
		ioc.Value = norm
		if !ioc.TLP.Valid() {
			return fmt.Errorf("ioc %d: invalid tlp %q", i, ioc.TLP)
		}
		if ioc.Confidence < 0 || ioc.Confidence > 1 {
			return fmt.Errorf("ioc %d: confidence %.2f out of range", i, ioc.Confidence)
		}
		if ioc.Confidence == 0 {
			ioc.Confidence = u.Confidence
		}
		if len(ioc.Sources) == 0 {
			ioc.Sources = []string{u.Source}
		}
		ioc.Context.MalwareFamily = sanitizeString(ioc.Context.MalwareFamily)
		ioc.Context.Campaign = sanitizeString(ioc.Context.Campaign)
		ioc.Context.Actor = sanitizeString(ioc.Context.Actor)
		ioc.Context.KillChainPhase = sanitizeString(ioc.Context.KillChainPhase)
	}
	for i := range u.TTPs {
		if strings.TrimSpace(u.TTPs[i].MitreID) == "" && strings.TrimSpace(u.TTPs[i].ID) == "" {
			return fmt.Errorf("ttp %d: mitre id is required", i)
		}
		u.TTPs[i].Detection = sanitizeString(u.TTPs[i].Detection)
		u.TTPs[i].Mitigation = sanitizeString(u.TTPs[i].Mitigation)
	}
	for i := range u.Actors {
		if u.Actors[i].ID == "" && u.Actors[i].Name == "" {
			return fmt.Errorf("actor %d: id or name is required", i)
		}
		if u.Actors[i].ID == "" {
			u.Actors[i].ID = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(u.Actors[i].Name), " ", "-"))
		}
	}

	if !v.checkRateLimit(u.Source) {
		return fmt.Errorf("rate limit exceeded for source: %s", u.Source)
	}
	if v.dedup.IsDuplicate(u.ID) {
		return fmt.Errorf("duplicate update %s", u.ID)
	}
	return nil
}

func (v *Validator) checkRateLimit(source string) bool {
	v.mu.Lock()
	limiter, exists := v.rateLimiters[source]
	if !exists {
		limiter = rate.NewLimiter(v.limit, v.burst)
		v.rateLimiters[source] = limiter
	}
	v.mu.Unlock()
	return limiter.Allow()
}

// Stop releases the deduplicator's cleanup goroutine.
func (v *Validator) Stop() {
	v.dedup.Stop()
}

// sanitizeString removes control characters and bounds the length of
// free-text fields.
func sanitizeString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	if len(s) > 1000 {
		s = s[:1000] + "..."
	}
	return strings.TrimSpace(s)
}

// Package health provides health status reporting for runtime components.
package health

import (
	"regexp"
	"strings"
	"time"
)

// Pre-compiled regexes for error message sanitization.
var (
	httpURLRegex     = regexp.MustCompile(`https?://[^\s]+`)
	natsURLRegex     = regexp.MustCompile(`nats://[^\s]+`)
	wsURLRegex       = regexp.MustCompile(`wss?://[^\s]+`)
	unixPathRegex    = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	windowsPathRegex = regexp.MustCompile(`[A-Z]:\\[^:\s]+`)
	ipAddrRegex      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex        = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex  = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// ComponentStatus is the narrow, self-contained health contract a component
// reports to the Lifecycle Controller. It intentionally does not depend on
// any other package's types so any component (cache registry, scheduler,
// dispatcher, bus client) can implement it directly.
type ComponentStatus struct {
	Healthy    bool
	LastCheck  time.Time
	ErrorCount int
	LastError  string
	Uptime     time.Duration
}

// Status represents the health state of a component or the whole system.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains health-related metrics attached to a Status.
type Metrics struct {
	Uptime            time.Duration `json:"uptime"`
	ErrorCount        int           `json:"error_count"`
	MessagesProcessed int64         `json:"messages_processed,omitempty"`
	LastActivity      time.Time     `json:"last_activity,omitempty"`
}

// NewHealthy returns a healthy Status for the given component.
func NewHealthy(component, message string) Status {
	return Status{Component: component, Healthy: true, Status: "healthy", Message: message, Timestamp: time.Now()}
}

// NewDegraded returns a degraded Status for the given component.
func NewDegraded(component, message string) Status {
	return Status{Component: component, Healthy: true, Status: "degraded", Message: sanitizeErrorMessage(message), Timestamp: time.Now()}
}

// NewUnhealthy returns an unhealthy Status for the given component.
func NewUnhealthy(component, message string) Status {
	return Status{Component: component, Healthy: false, Status: "unhealthy", Message: sanitizeErrorMessage(message), Timestamp: time.Now()}
}

// IsHealthy returns true if the status is healthy.
func (s Status) IsHealthy() bool { return s.Status == "healthy" }

// IsDegraded returns true if the status is degraded.
func (s Status) IsDegraded() bool { return s.Status == "degraded" }

// IsUnhealthy returns true if the status is unhealthy.
func (s Status) IsUnhealthy() bool { return s.Status == "unhealthy" }

// WithMetrics returns a copy of the status with metrics attached.
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus returns a copy of the status with a sub-status appended.
func (s Status) WithSubStatus(subStatus Status) Status {
	newSubStatuses := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(newSubStatuses, s.SubStatuses)
	s.SubStatuses = append(newSubStatuses, subStatus)
	return s
}

// sanitizeErrorMessage strips potentially sensitive information (URLs,
// paths, IPs, ports, credentials) from a message before it is surfaced in a
// health report.
func sanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	sanitized := msg

	sanitized = httpURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = natsURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = wsURLRegex.ReplaceAllString(sanitized, "[URL]")

	sanitized = unixPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = windowsPathRegex.ReplaceAllString(sanitized, "[PATH]")

	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")

	lowerSanitized := strings.ToLower(sanitized)
	if strings.Contains(lowerSanitized, "password") || strings.Contains(lowerSanitized, "token") ||
		strings.Contains(lowerSanitized, "key") || strings.Contains(lowerSanitized, "secret") ||
		strings.Contains(lowerSanitized, "credential") {
		sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
	}

	return sanitized
}

// FromComponentStatus converts a ComponentStatus into a health Status.
func FromComponentStatus(name string, cs ComponentStatus) Status {
	status := "unhealthy"
	if cs.Healthy {
		status = "healthy"
	}

	message := "component healthy"
	if cs.LastError != "" {
		message = sanitizeErrorMessage(cs.LastError)
	}

	metrics := &Metrics{
		Uptime:       cs.Uptime,
		ErrorCount:   cs.ErrorCount,
		LastActivity: cs.LastCheck,
	}

	return Status{
		Component: name,
		Healthy:   cs.Healthy,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Metrics:   metrics,
	}
}

// Package retry decides whether a failed run is worth another attempt.
// Classify is a pure function of the outcome, the run's retry count and the
// policy; scheduling the retry is the worker's job.
package retry

import (
	"fmt"
	"regexp"
	"time"

	"github.com/hochfrequenz/tbench-runner/internal/config"
	"github.com/hochfrequenz/tbench-runner/internal/domain"
)

// DefaultBackoff is used when a policy has no positive backoff
const DefaultBackoff = 60 * time.Second

// Signature is a named pattern identifying a transient infrastructure failure
type Signature struct {
	Name    string
	Pattern *regexp.Regexp
}

// NewSignature compiles a signature
func NewSignature(name, pattern string) (Signature, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Signature{}, fmt.Errorf("signature %q: %w", name, err)
	}
	return Signature{Name: name, Pattern: re}, nil
}

// Policy holds the retry budget, backoff and signature table
type Policy struct {
	MaxRetries int
	Backoff    time.Duration
	Signatures []Signature
}

// PolicyFromConfig compiles the configured signature table
func PolicyFromConfig(cfg config.RetryConfig) (Policy, error) {
	p := Policy{
		MaxRetries: cfg.MaxRetries,
		Backoff:    cfg.Backoff.Duration,
	}
	for _, sc := range cfg.Signatures {
		sig, err := NewSignature(sc.Name, sc.Pattern)
		if err != nil {
			return Policy{}, err
		}
		p.Signatures = append(p.Signatures, sig)
	}
	return p, nil
}

// backoff never returns zero so a retried run does not collide with the
// contention that failed it
func (p Policy) backoff() time.Duration {
	if p.Backoff <= 0 {
		return DefaultBackoff
	}
	return p.Backoff
}

// Match returns the name of the first signature found in text
func (p Policy) Match(text string) (string, bool) {
	for _, sig := range p.Signatures {
		if sig.Pattern != nil && sig.Pattern.MatchString(text) {
			return sig.Name, true
		}
	}
	return "", false
}

// Action is what the worker should do with a run
type Action int

const (
	// ActionFinalize writes the terminal status in Decision.Status
	ActionFinalize Action = iota
	// ActionRequeue sends the run back to pending and re-enqueues it after Decision.Delay
	ActionRequeue
	// ActionError marks the run ERROR with Decision.Reason
	ActionError
)

func (a Action) String() string {
	switch a {
	case ActionFinalize:
		return "finalize"
	case ActionRequeue:
		return "requeue"
	case ActionError:
		return "error"
	}
	return "unknown"
}

// Input is everything Classify looks at
type Input struct {
	Outcome    *domain.Outcome
	AdapterErr error
	RetryCount int
}

// Decision is the classifier's verdict
type Decision struct {
	Action     Action
	Status     domain.RunStatus
	RetryCount int
	Delay      time.Duration
	Signature  string
	Reason     string
}

// Classify decides between finalize, requeue and error
func Classify(p Policy, in Input) Decision {
	budgetLeft := in.RetryCount < p.MaxRetries

	if in.AdapterErr != nil || in.Outcome == nil {
		reason := "execution backend returned no outcome"
		if in.AdapterErr != nil {
			reason = in.AdapterErr.Error()
		}
		if budgetLeft {
			return Decision{
				Action:     ActionRequeue,
				Status:     domain.RunPending,
				RetryCount: in.RetryCount + 1,
				Delay:      p.backoff(),
				Signature:  "adapter-error",
				Reason:     reason,
			}
		}
		return Decision{
			Action:     ActionError,
			Status:     domain.RunError,
			RetryCount: in.RetryCount,
			Reason:     reason,
		}
	}

	out := in.Outcome
	switch {
	case out.Success:
		return Decision{Action: ActionFinalize, Status: domain.RunPassed, RetryCount: in.RetryCount}
	case out.TimedOut:
		return Decision{Action: ActionFinalize, Status: domain.RunTimeout, RetryCount: in.RetryCount, Reason: "timeout"}
	}

	name, transient := p.Match(out.Diagnostics())
	if transient && budgetLeft {
		return Decision{
			Action:     ActionRequeue,
			Status:     domain.RunPending,
			RetryCount: in.RetryCount + 1,
			Delay:      p.backoff(),
			Signature:  name,
			Reason:     "transient failure: " + name,
		}
	}

	d := Decision{Action: ActionFinalize, Status: domain.RunFailed, RetryCount: in.RetryCount, Signature: name}
	if transient {
		d.Reason = "retry budget exhausted: " + name
	}
	return d
}

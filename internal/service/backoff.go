package service

import (
	"time"

	"consenthub/config"
)

// BackoffPolicy computes the delay before the next retry. attempt is the
// number of attempts already made (>= 1 when consulted).
type BackoffPolicy interface {
	NextDelay(attempt int) time.Duration
}

// LinearBackoff grows the delay as attempt x base. This is the default,
// matching the observed production behavior (1m, 2m, 3m, ...).
type LinearBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func (p LinearBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = time.Minute
	}
	delay := time.Duration(attempt) * base
	if p.Max > 0 && delay > p.Max {
		return p.Max
	}
	return delay
}

// ExponentialBackoff doubles the delay each attempt, capped at Max.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func (p ExponentialBackoff) NextDelay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	maximum := p.Max
	if maximum <= 0 {
		maximum = 30 * time.Minute
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay > maximum {
		return maximum
	}
	return delay
}

// FixedBackoff waits the same delay between every retry.
type FixedBackoff struct {
	Delay time.Duration
}

func (p FixedBackoff) NextDelay(int) time.Duration {
	return p.Delay
}

// BackoffFromConfig selects a policy by name, falling back to linear.
func BackoffFromConfig(cfg config.WebhookConfig) BackoffPolicy {
	switch cfg.BackoffStrategy {
	case "exponential":
		return ExponentialBackoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax}
	case "fixed":
		return FixedBackoff{Delay: cfg.BackoffBase}
	default:
		return LinearBackoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax}
	}
}

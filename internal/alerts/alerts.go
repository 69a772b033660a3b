// Package alerts tells the operator about failures users cannot fix by
// resending, such as a full disk or a broken database.
package alerts

import (
	"fmt"
	"sync"
	"time"

	"github.com/bowerhall/slipbox/internal/logger"
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityWarn:
		return "warn"
	default:
		return "info"
	}
}

type NotifyFunc func(message string)

type Alerter struct {
	mu        sync.Mutex
	notify    NotifyFunc
	cooldowns map[string]time.Time
	cooldown  time.Duration
	now       func() time.Time
}

// New creates an alerter. The same component+message pair is sent at most
// once per cooldown. A nil notify only logs.
func New(notify NotifyFunc, cooldown time.Duration) *Alerter {
	return &Alerter{
		notify:    notify,
		cooldowns: make(map[string]time.Time),
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (a *Alerter) Alert(severity Severity, component, message string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := fmt.Sprintf("%s:%s", component, message)

	if lastSent, ok := a.cooldowns[key]; ok {
		if a.now().Sub(lastSent) < a.cooldown {
			logger.Debug("alert suppressed (cooldown)", "component", component, "message", message)
			return
		}
	}

	var text string
	switch severity {
	case SeverityCritical:
		text = fmt.Sprintf("🚨 slipbox %s: %s", component, message)
	case SeverityWarn:
		text = fmt.Sprintf("⚠️ slipbox %s: %s", component, message)
	default:
		text = fmt.Sprintf("ℹ️ slipbox %s: %s", component, message)
	}

	if err != nil {
		text += fmt.Sprintf("\n\nError: %v", err)
	}

	a.cooldowns[key] = a.now()

	if a.notify == nil {
		logger.Warn("alert", "component", component, "severity", severity.String(), "message", message, "error", err)
		return
	}

	a.notify(text)
	logger.Info("alert sent", "component", component, "severity", severity.String())
}

func (a *Alerter) Critical(component, message string, err error) {
	a.Alert(SeverityCritical, component, message, err)
}

func (a *Alerter) Warn(component, message string, err error) {
	a.Alert(SeverityWarn, component, message, err)
}

package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/bus"
	"go.uber.org/zap"
)

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is an operator notification derived from a bus event.
type Alert struct {
	Severity Severity  `json:"severity"`
	Title    string    `json:"title"`
	Text     string    `json:"text"`
	Kind     bus.Kind  `json:"kind"`
	EntityID string    `json:"entity_id"`
	Time     time.Time `json:"time"`
}

// Notifier delivers alerts to one chat platform.
type Notifier interface {
	Platform() string
	Notify(ctx context.Context, a Alert) error
}

// AlertRecord tracks a sent alert for history.
type AlertRecord struct {
	Alert   Alert     `json:"alert"`
	SentAt  time.Time `json:"sent_at"`
	Targets []string  `json:"targets"`
	Failed  []string  `json:"failed,omitempty"`
}

const historyLimit = 200

// Alerter turns failure events into alerts and fans them out to notifiers.
// A notifier error is logged and never redelivered.
type Alerter struct {
	notifiers []Notifier
	mu        sync.Mutex
	history   []AlertRecord
	logger    *zap.Logger
}

func NewAlerter(logger *zap.Logger, notifiers ...Notifier) *Alerter {
	return &Alerter{notifiers: notifiers, logger: logger}
}

// Filter selects the event kinds the alerter reacts to.
func (a *Alerter) Filter() bus.Filter {
	return bus.Filter{Kinds: []bus.Kind{bus.KindAgent, bus.KindMission, bus.KindPipeline}}
}

// Handle is a bus.Handler.
func (a *Alerter) Handle(ctx context.Context, ev bus.Event) error {
	alert, ok := Classify(ev)
	if !ok {
		return nil
	}

	a.logger.Info("sending alert",
		zap.String("severity", string(alert.Severity)),
		zap.String("title", alert.Title),
		zap.String("entity", alert.EntityID))

	rec := AlertRecord{Alert: alert, SentAt: time.Now()}
	for _, n := range a.notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			a.logger.Error("alert delivery failed",
				zap.String("platform", n.Platform()),
				zap.String("title", alert.Title),
				zap.Error(err))
			rec.Failed = append(rec.Failed, n.Platform())
			continue
		}
		rec.Targets = append(rec.Targets, n.Platform())
	}

	a.mu.Lock()
	a.history = append(a.history, rec)
	if len(a.history) > historyLimit {
		a.history = a.history[len(a.history)-historyLimit:]
	}
	a.mu.Unlock()
	return nil
}

// History returns up to limit of the most recent alerts.
func (a *Alerter) History(limit int) []AlertRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit <= 0 || limit > len(a.history) {
		limit = len(a.history)
	}
	out := make([]AlertRecord, limit)
	copy(out, a.history[len(a.history)-limit:])
	return out
}

// Classify maps an event to an alert. It reports false for events that are
// not worth an operator's attention.
func Classify(ev bus.Event) (Alert, bool) {
	a := Alert{Kind: ev.Kind, EntityID: ev.EntityID, Time: ev.Time}
	data, _ := ev.Data.(map[string]any)

	switch ev.Type {
	case "pipeline.failed":
		a.Severity = SeverityCritical
		a.Title = "Pipeline " + ev.EntityID + " failed"
		a.Text = fmt.Sprintf("target %v failed in phase %v: %v", data["target"], data["phase"], data["error"])
	case "pipeline.reconciliation_failed":
		a.Severity = SeverityWarning
		a.Title = "Pipeline " + ev.EntityID + " not reconciled"
		a.Text = fmt.Sprintf("derived agent was not registered: %v", data["error"])
	case "agent.heartbeat":
		if fmt.Sprint(data["status"]) != "error" || fmt.Sprint(data["previous"]) == "error" {
			return Alert{}, false
		}
		a.Severity = SeverityCritical
		a.Title = "Agent " + ev.EntityID + " reported error"
		a.Text = fmt.Sprintf("status changed from %v to error", data["previous"])
	case "mission.failed":
		a.Severity = SeverityWarning
		a.Title = "Mission " + ev.EntityID + " failed"
		a.Text = fmt.Sprintf("mission closed as failed at progress %v", data["progress"])
	default:
		return Alert{}, false
	}
	return a, true
}

// Package trigger fires workflow executions from schedule, blackboard,
// event, and webhook sources.
package trigger

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/swarmd/swarmd/internal/common/apperr"
	"github.com/swarmd/swarmd/internal/common/config"
	"github.com/swarmd/swarmd/internal/common/logger"
	"github.com/swarmd/swarmd/internal/events/bus"
	"github.com/swarmd/swarmd/internal/storage"
	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

// webhookBatchSize caps how many pending deliveries one tick consumes.
const webhookBatchSize = 16

// defaultMaxConsecFails disables a trigger after this many consecutive
// workflow-start failures when the config leaves the cap unset.
const defaultMaxConsecFails = 5

// Starter launches workflow executions. The workflow engine satisfies this;
// tests substitute a fake.
type Starter interface {
	StartWorkflow(ctx context.Context, workflowID, createdBy string, inputs map[string]any, swarmID string) (*v1.WorkflowExecution, error)
}

// Dispatcher polls enabled triggers on a tick and starts the bound workflow
// when a firing condition holds. Workflow-start failures are fire-and-log: the
// trigger stays enabled until its consecutive-failure cap is reached.
type Dispatcher struct {
	cfg     config.TriggerConfig
	logger  *logger.Logger
	store   *storage.Store
	bus     bus.EventBus
	starter Starter
	cron    *gronx.Gronx

	kick   chan struct{}
	tickMu sync.Mutex

	// seenTags records the last time each event tag was observed on the bus.
	// Event triggers compare these against lastFiredAt. In-memory only: tags
	// observed before a restart are not replayed.
	mu       sync.Mutex
	seenTags map[string]int64
}

// NewDispatcher creates the trigger dispatcher and subscribes it to the bus.
func NewDispatcher(cfg config.TriggerConfig, store *storage.Store, eventBus bus.EventBus, starter Starter, log *logger.Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "trigger")),
		store:    store,
		bus:      eventBus,
		starter:  starter,
		cron:     gronx.New(),
		kick:     make(chan struct{}, 1),
		seenTags: make(map[string]int64),
	}
	if _, err := eventBus.Subscribe(">", d.onEvent); err != nil {
		return nil, err
	}
	return d, nil
}

// onEvent records the tag sighting for event triggers and re-polls
// immediately when the blackboard changes.
func (d *Dispatcher) onEvent(_ context.Context, event *bus.Event) error {
	if event.Tag == bus.TagTriggerFired || event.Tag == bus.TagLagged {
		return nil
	}
	d.mu.Lock()
	d.seenTags[string(event.Tag)] = event.Timestamp.UnixMilli()
	d.mu.Unlock()

	if event.Tag == bus.TagBlackboardPosted {
		d.Kick()
	}
	return nil
}

// Create validates and persists a trigger. New triggers are enabled.
func (d *Dispatcher) Create(ctx context.Context, t *v1.Trigger) error {
	if !v1.ValidTriggerType(t.TriggerType) {
		return apperr.Validation("invalid trigger type: %q", t.TriggerType)
	}
	if _, err := d.store.Workflows.GetWorkflow(ctx, t.WorkflowID); err != nil {
		return err
	}
	if err := d.validateConfig(t); err != nil {
		return err
	}
	t.IsEnabled = true
	return d.store.Triggers.Create(ctx, t)
}

func (d *Dispatcher) validateConfig(t *v1.Trigger) error {
	switch t.TriggerType {
	case v1.TriggerTypeSchedule:
		var cfg v1.ScheduleTriggerConfig
		if err := json.Unmarshal(orEmpty(t.Config), &cfg); err != nil {
			return apperr.Validation("invalid schedule config: %v", err)
		}
		if cfg.Cron == "" && cfg.IntervalMs <= 0 {
			return apperr.Validation("schedule trigger needs cron or interval_ms")
		}
		if cfg.Cron != "" && !d.cron.IsValid(cfg.Cron) {
			return apperr.Validation("invalid cron expression: %q", cfg.Cron)
		}
	case v1.TriggerTypeBlackboard:
		var cfg v1.BlackboardTriggerConfig
		if err := json.Unmarshal(orEmpty(t.Config), &cfg); err != nil {
			return apperr.Validation("invalid blackboard config: %v", err)
		}
		if cfg.SwarmID == "" {
			return apperr.Validation("blackboard trigger needs swarm_id")
		}
	case v1.TriggerTypeEvent:
		var cfg v1.EventTriggerConfig
		if err := json.Unmarshal(orEmpty(t.Config), &cfg); err != nil {
			return apperr.Validation("invalid event config: %v", err)
		}
		if cfg.EventTag == "" {
			return apperr.Validation("event trigger needs event_tag")
		}
	case v1.TriggerTypeWebhook:
		// No required config; payloads arrive via RecordDelivery.
	}
	return nil
}

// Get returns one trigger.
func (d *Dispatcher) Get(ctx context.Context, id string) (*v1.Trigger, error) {
	return d.store.Triggers.Get(ctx, id)
}

// List returns triggers, optionally only enabled ones.
func (d *Dispatcher) List(ctx context.Context, enabledOnly bool) ([]*v1.Trigger, error) {
	return d.store.Triggers.List(ctx, enabledOnly)
}

// SetEnabled flips a trigger on or off. Enabling resets the failure streak.
func (d *Dispatcher) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return d.store.Triggers.SetEnabled(ctx, id, enabled)
}

// Delete removes a trigger.
func (d *Dispatcher) Delete(ctx context.Context, id string) error {
	return d.store.Triggers.Delete(ctx, id)
}

// RecordDelivery stores an inbound webhook payload for the named trigger and
// requests an immediate dispatch pass.
func (d *Dispatcher) RecordDelivery(ctx context.Context, triggerID string, payload json.RawMessage) (*v1.WebhookDelivery, error) {
	t, err := d.store.Triggers.Get(ctx, triggerID)
	if err != nil {
		return nil, err
	}
	if t.TriggerType != v1.TriggerTypeWebhook {
		return nil, apperr.WrongState("trigger %s is %s, not webhook", triggerID, t.TriggerType)
	}
	delivery := &v1.WebhookDelivery{TriggerID: triggerID, Payload: payload}
	if err := d.store.Triggers.InsertDelivery(ctx, delivery); err != nil {
		return nil, err
	}
	d.Kick()
	return delivery, nil
}

// Kick requests an immediate poll from the run loop.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run drives the poll tick until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := time.Duration(d.cfg.TickInterval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Tick(ctx)
		case <-d.kick:
			d.Tick(ctx)
		}
	}
}

// Tick checks the firing condition of every enabled trigger.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	triggers, err := d.store.Triggers.List(ctx, true)
	if err != nil {
		d.logger.WithError(err).Error("trigger listing failed")
		return
	}
	now := time.Now()
	for _, t := range triggers {
		d.poll(ctx, t, now)
	}
}

// poll evaluates one trigger. Webhook triggers may fire once per pending
// delivery; the other types fire at most once per tick.
func (d *Dispatcher) poll(ctx context.Context, t *v1.Trigger, now time.Time) {
	switch t.TriggerType {
	case v1.TriggerTypeSchedule:
		d.pollSchedule(ctx, t, now)
	case v1.TriggerTypeBlackboard:
		d.pollBlackboard(ctx, t)
	case v1.TriggerTypeEvent:
		d.pollEvent(ctx, t)
	case v1.TriggerTypeWebhook:
		d.pollWebhook(ctx, t)
	default:
		d.logger.Warn("unknown trigger type",
			zap.String("trigger_id", t.ID),
			zap.String("type", string(t.TriggerType)))
	}
}

// baseline is the reference instant for "since last fired" checks: creation
// time until the first firing, so pre-existing history never fires a new
// trigger.
func baseline(t *v1.Trigger) int64 {
	if t.LastFiredAt > 0 {
		return t.LastFiredAt
	}
	return t.CreatedAt
}

func (d *Dispatcher) pollSchedule(ctx context.Context, t *v1.Trigger, now time.Time) {
	var cfg v1.ScheduleTriggerConfig
	if err := json.Unmarshal(orEmpty(t.Config), &cfg); err != nil {
		d.logger.WithError(err).Warn("schedule config unreadable", zap.String("trigger_id", t.ID))
		return
	}

	last := time.UnixMilli(baseline(t))
	due := false
	switch {
	case cfg.Cron != "":
		next, err := gronx.NextTickAfter(cfg.Cron, last, false)
		if err != nil {
			d.logger.WithError(err).Warn("cron evaluation failed", zap.String("trigger_id", t.ID))
			return
		}
		due = !next.After(now)
	case cfg.IntervalMs > 0:
		due = now.Sub(last) >= time.Duration(cfg.IntervalMs)*time.Millisecond
	}
	if !due {
		return
	}

	d.fire(ctx, t, map[string]any{
		"trigger_id":   t.ID,
		"scheduled_at": now.UnixMilli(),
	}, "")
}

func (d *Dispatcher) pollBlackboard(ctx context.Context, t *v1.Trigger) {
	var cfg v1.BlackboardTriggerConfig
	if err := json.Unmarshal(orEmpty(t.Config), &cfg); err != nil {
		d.logger.WithError(err).Warn("blackboard config unreadable", zap.String("trigger_id", t.ID))
		return
	}

	msgs, err := d.store.Blackboard.List(ctx, storage.BlackboardQuery{
		SwarmID:     cfg.SwarmID,
		MessageType: cfg.MessageType,
		Since:       baseline(t),
	})
	if err != nil {
		d.logger.WithError(err).Warn("blackboard poll failed", zap.String("trigger_id", t.ID))
		return
	}

	for _, msg := range msgs {
		if cfg.Filter != "" && !strings.Contains(string(msg.Payload), cfg.Filter) {
			continue
		}
		d.fire(ctx, t, map[string]any{
			"trigger_id":   t.ID,
			"message_id":   msg.ID,
			"sender":       msg.SenderHandle,
			"message_type": string(msg.MessageType),
			"payload":      string(msg.Payload),
		}, cfg.SwarmID)
		return
	}
}

func (d *Dispatcher) pollEvent(ctx context.Context, t *v1.Trigger) {
	var cfg v1.EventTriggerConfig
	if err := json.Unmarshal(orEmpty(t.Config), &cfg); err != nil {
		d.logger.WithError(err).Warn("event config unreadable", zap.String("trigger_id", t.ID))
		return
	}

	since := baseline(t)
	matched := ""
	d.mu.Lock()
	for tag, seenAt := range d.seenTags {
		if seenAt > since && matchTag(tag, cfg.EventTag) {
			matched = tag
			break
		}
	}
	d.mu.Unlock()
	if matched == "" {
		return
	}

	d.fire(ctx, t, map[string]any{
		"trigger_id": t.ID,
		"event_tag":  matched,
	}, "")
}

func (d *Dispatcher) pollWebhook(ctx context.Context, t *v1.Trigger) {
	pending, err := d.store.Triggers.PendingDeliveries(ctx, webhookBatchSize)
	if err != nil {
		d.logger.WithError(err).Warn("webhook poll failed", zap.String("trigger_id", t.ID))
		return
	}

	for _, delivery := range pending {
		if delivery.TriggerID != t.ID {
			continue
		}
		// Consume before firing so two dispatch passes cannot double-fire the
		// same payload. A start failure still counts against the streak.
		got, err := d.store.Triggers.MarkConsumed(ctx, delivery.ID)
		if err != nil {
			d.logger.WithError(err).Warn("delivery consume failed", zap.String("delivery_id", delivery.ID))
			continue
		}
		if !got {
			continue
		}
		d.fire(ctx, t, map[string]any{
			"trigger_id":  t.ID,
			"delivery_id": delivery.ID,
			"payload":     string(orEmpty(delivery.Payload)),
		}, "")
	}
}

// fire starts the bound workflow and records the outcome. On success the
// trigger's lastFiredAt advances and trigger.fired is published; on failure
// the consecutive-failure streak grows until the cap disables the trigger.
func (d *Dispatcher) fire(ctx context.Context, t *v1.Trigger, inputs map[string]any, swarmID string) {
	exec, err := d.starter.StartWorkflow(ctx, t.WorkflowID, "trigger:"+string(t.TriggerType), inputs, swarmID)
	if err != nil {
		d.logger.WithError(err).Warn("trigger workflow start failed",
			zap.String("trigger_id", t.ID),
			zap.String("workflow_id", t.WorkflowID))
		d.recordFailure(ctx, t)
		return
	}

	if err := d.store.Triggers.MarkFired(ctx, t.ID, time.Now().UnixMilli()); err != nil {
		d.logger.WithError(err).Error("trigger bookkeeping failed", zap.String("trigger_id", t.ID))
	}
	d.publish(ctx, bus.TagTriggerFired, map[string]any{
		"trigger_id":   t.ID,
		"trigger_type": string(t.TriggerType),
		"workflow_id":  t.WorkflowID,
		"execution_id": exec.ID,
	})
	d.logger.Info("trigger fired",
		zap.String("trigger_id", t.ID),
		zap.String("trigger_type", string(t.TriggerType)),
		zap.String("execution_id", exec.ID))
}

func (d *Dispatcher) recordFailure(ctx context.Context, t *v1.Trigger) {
	count, err := d.store.Triggers.RecordFailure(ctx, t.ID)
	if err != nil {
		d.logger.WithError(err).Error("failure bookkeeping failed", zap.String("trigger_id", t.ID))
		return
	}
	maxFails := d.cfg.MaxConsecFails
	if maxFails <= 0 {
		maxFails = defaultMaxConsecFails
	}
	if count < maxFails {
		return
	}
	if err := d.store.Triggers.SetEnabled(ctx, t.ID, false); err != nil {
		d.logger.WithError(err).Error("trigger disable failed", zap.String("trigger_id", t.ID))
		return
	}
	d.logger.Warn("trigger disabled after repeated failures",
		zap.String("trigger_id", t.ID),
		zap.Int("failures", count))
}

func (d *Dispatcher) publish(ctx context.Context, tag bus.Tag, data map[string]any) {
	if err := d.bus.Publish(ctx, bus.NewEvent(tag, data)); err != nil {
		d.logger.WithError(err).Warn("event publish", zap.String("tag", string(tag)))
	}
}

// matchTag checks a tag against a NATS-style pattern: * matches one token,
// > matches the rest.
func matchTag(tag, pattern string) bool {
	if tag == pattern {
		return true
	}
	tagParts := strings.Split(tag, ".")
	patParts := strings.Split(pattern, ".")
	for i, p := range patParts {
		if p == ">" {
			return i < len(tagParts)
		}
		if i >= len(tagParts) {
			return false
		}
		if p != "*" && p != tagParts[i] {
			return false
		}
	}
	return len(tagParts) == len(patParts)
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

package livechat

import (
	"cmp"
	"log/slog"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

// Outcome is the result of applying one event.
type Outcome string

const (
	// Applied: the view changed.
	Applied Outcome = "applied"
	// Duplicate: the event was already reflected in the view.
	Duplicate Outcome = "duplicate"
	// Dropped: the event was not applicable and was discarded.
	Dropped Outcome = "dropped"
)

// SeedResult summarizes a history merge.
type SeedResult struct {
	Added   int
	Updated int
	Skipped int
	Invalid int
}

// AppliedHook observes every event the engine processed, with the stored
// message after the event (zero when the target is unknown).
type AppliedHook func(ev Event, outcome Outcome, m Message)

// ConfirmedHook observes a history record that confirmed an optimistic send.
type ConfirmedHook func(m Message)

// ReconciliationEngine merges the history snapshot and live events into the
// store. All methods must run on the session queue.
type ReconciliationEngine struct {
	store    *MessageStore
	topic    string
	profile  Profile
	log      *slog.Logger
	metrics  *Metrics
	validate *validator.Validate
	hooks    []AppliedHook
	seeded   []ConfirmedHook
}

func newReconciliationEngine(store *MessageStore, topic string, profile Profile, log *slog.Logger, metrics *Metrics) *ReconciliationEngine {
	if log == nil {
		log = discardLogger()
	}
	return &ReconciliationEngine{
		store:    store,
		topic:    topic,
		profile:  profile,
		log:      log.With("component", "engine", "topic", topic),
		metrics:  metrics,
		validate: validator.New(),
	}
}

// OnApplied registers a hook run after every Apply.
func (e *ReconciliationEngine) OnApplied(fn AppliedHook) {
	e.hooks = append(e.hooks, fn)
}

// OnConfirmed registers a hook run when Seed inserts a record that carries a
// correlation id, whether from the server or matched to a pending send.
func (e *ReconciliationEngine) OnConfirmed(fn ConfirmedHook) {
	e.seeded = append(e.seeded, fn)
}

// Seed merges a history snapshot. Records with the same id collapse to the
// latest one; a stored message is only replaced by a strictly newer record
// and a tombstone is never revived.
func (e *ReconciliationEngine) Seed(records []MessageRecord) SeedResult {
	var result SeedResult

	latest := make(map[string]MessageRecord, len(records))
	for _, rec := range records {
		if err := e.validate.Struct(rec); err != nil {
			result.Invalid++
			e.log.Warn("skipping invalid history record", "error", err)
			continue
		}
		if prev, ok := latest[rec.ID]; ok {
			result.Skipped++
			if prev.Timestamp.After(rec.Timestamp.Time) {
				continue
			}
		}
		latest[rec.ID] = rec
	}

	ordered := lo.Values(latest)
	slices.SortFunc(ordered, func(a, b MessageRecord) int {
		if c := a.Timestamp.Compare(b.Timestamp.Time); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	for _, rec := range ordered {
		existing, ok := e.store.Get(rec.ID)
		switch {
		case !ok:
			stored := e.insert(rec)
			result.Added++
			if stored.CorrelationID != "" {
				for _, h := range e.seeded {
					h(stored)
				}
			}
		case existing.Deleted(), !rec.Timestamp.After(existing.Timestamp):
			// Live events already applied win over a snapshot of the same age.
			result.Skipped++
		default:
			if e.store.Upsert(rec.Message(e.topic)) {
				result.Updated++
			} else {
				result.Skipped++
			}
		}
	}

	e.metrics.storeSize(e.store.Len())
	e.log.Info("history merged", "added", result.Added, "updated", result.Updated, "skipped", result.Skipped, "invalid", result.Invalid)
	return result
}

// Apply folds one live event into the store.
func (e *ReconciliationEngine) Apply(ev Event) Outcome {
	var (
		outcome Outcome
		stored  Message
	)
	if ev.Topic() != "" && ev.Topic() != e.topic {
		e.log.Debug("dropping event for other topic", "event_topic", ev.Topic(), "id", ev.TargetID())
		outcome = Dropped
	} else {
		outcome, stored = e.apply(ev)
	}

	e.metrics.eventApplied(ev.Kind(), outcome)
	if outcome == Applied {
		e.metrics.storeSize(e.store.Len())
	}
	for _, h := range e.hooks {
		h(ev, outcome, stored)
	}
	return outcome
}

func (e *ReconciliationEngine) apply(ev Event) (Outcome, Message) {
	switch ev := ev.(type) {
	case Created:
		if existing, ok := e.store.Get(ev.Record.ID); ok {
			return Duplicate, existing
		}
		m := e.insert(ev.Record)
		return Applied, m

	case Edited:
		if !e.profile.Edit {
			e.log.Debug("dropping edit in append-only session", "id", ev.ID)
			return Dropped, Message{}
		}
		existing, ok := e.store.Get(ev.ID)
		if !ok {
			e.log.Warn("dropping edit for unknown message", "id", ev.ID)
			return Dropped, Message{}
		}
		if existing.Deleted() {
			e.log.Warn("dropping edit for deleted message", "id", ev.ID)
			return Dropped, existing
		}
		if !e.store.Edit(ev.ID, ev.Content, ev.Timestamp) {
			return Duplicate, existing
		}
		m, _ := e.store.Get(ev.ID)
		return Applied, m

	case Deleted:
		if !e.profile.Delete {
			e.log.Debug("dropping delete in append-only session", "id", ev.ID)
			return Dropped, Message{}
		}
		existing, ok := e.store.Get(ev.ID)
		if !ok {
			e.log.Warn("dropping delete for unknown message", "id", ev.ID)
			return Dropped, Message{}
		}
		if !e.store.Tombstone(ev.ID) {
			return Duplicate, existing
		}
		m, _ := e.store.Get(ev.ID)
		return Applied, m
	}

	e.log.Error("unhandled event type", "kind", ev.Kind())
	return Dropped, Message{}
}

// insert stores a new confirmed record, promoting the optimistic entry it
// answers. Without a correlation id the oldest pending message from the same
// sender with identical content is taken to be the one confirmed.
func (e *ReconciliationEngine) insert(rec MessageRecord) Message {
	m := rec.Message(e.topic)
	if m.CorrelationID == "" && m.SenderID != "" {
		if p, ok := e.store.MatchPending(m.SenderID, m.Content); ok {
			m.CorrelationID = p.CorrelationID
		}
	} else if m.CorrelationID != "" {
		if _, ok := e.store.Pending(m.CorrelationID); !ok {
			e.log.Debug("confirmation without pending entry", "id", m.ID, "correlation_id", m.CorrelationID)
		}
	}
	e.store.Upsert(m)
	stored, _ := e.store.Get(m.ID)
	return stored
}

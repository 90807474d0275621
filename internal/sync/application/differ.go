package application

import (
	"log/slog"
	"sort"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

// ChangeAction classifies what the engine must do for one event pair.
type ChangeAction string

const (
	ActionInsert   ChangeAction = "insert"
	ActionUpdate   ChangeAction = "update"
	ActionDelete   ChangeAction = "delete"
	ActionNoChange ChangeAction = "no_change"
)

// ChangeTarget names the side a change is applied to.
type ChangeTarget string

const (
	TargetGoogle ChangeTarget = "google"
	TargetCalDAV ChangeTarget = "caldav"
	// TargetNone marks bookkeeping-only changes, such as dropping an
	// orphan event mapping.
	TargetNone ChangeTarget = "none"
)

// ConflictResolution records which side won a conflicting pair.
type ConflictResolution string

const (
	CalDAVWins ConflictResolution = "caldav_wins"
	GoogleWins ConflictResolution = "google_wins"
	SkipChange ConflictResolution = "skip"
)

// EventChange is one unit of work produced by the differ.
type EventChange struct {
	Action       ChangeAction
	Target       ChangeTarget
	UID          string
	RecurrenceID string
	CalDAVEvent  *domain.Event
	GoogleEvent  *domain.Event
	Mapping      *domain.EventMapping
	Resolution   ConflictResolution
	Reason       string
}

// DiffResult is the outcome of a bidirectional analysis.
type DiffResult struct {
	ToGoogle  []EventChange
	ToCalDAV  []EventChange
	Orphans   []EventChange
	Adoptions []EventChange
	Unchanged int
	Conflicts int
}

// Changes returns all actionable changes in apply order: first the Google
// side, then the CalDAV side, then bookkeeping.
func (r DiffResult) Changes() []EventChange {
	out := make([]EventChange, 0, len(r.ToGoogle)+len(r.ToCalDAV)+len(r.Orphans)+len(r.Adoptions))
	out = append(out, r.ToGoogle...)
	out = append(out, r.ToCalDAV...)
	out = append(out, r.Orphans...)
	out = append(out, r.Adoptions...)
	return out
}

// Differ compares windowed snapshots of both sides against the persisted
// event mappings and produces the minimum change set.
type Differ struct {
	logger *slog.Logger
}

func NewDiffer(logger *slog.Logger) *Differ {
	if logger == nil {
		logger = slog.Default()
	}
	return &Differ{logger: logger}
}

// eventKey pairs events across sides. Overridden instances of a recurring
// series carry their recurrence id, so they track separately from the
// series master.
type eventKey struct {
	uid          string
	recurrenceID string
}

// AnalyzeBidirectional diffs both sides. Every event on either side lands
// in exactly one outcome class: no change, one action on one side, or a
// resolved conflict.
func (d *Differ) AnalyzeBidirectional(caldavEvents, googleEvents []domain.Event, mappings []*domain.EventMapping) DiffResult {
	caldavByKey := d.indexEvents(caldavEvents)
	googleByKey := d.indexEvents(googleEvents)
	mappingByKey := indexMappings(mappings)

	var result DiffResult
	for _, key := range unionKeys(caldavByKey, googleByKey, mappingByKey) {
		c := caldavByKey[key]
		g := googleByKey[key]
		m := mappingByKey[key]

		switch {
		case c != nil && g != nil:
			d.diffPair(key, c, g, m, &result)

		case c != nil:
			if m != nil && m.GoogleEventID() != "" {
				// Tracked on Google but gone from the window: Google
				// deleted it, mirror the deletion.
				result.ToCalDAV = append(result.ToCalDAV, EventChange{
					Action: ActionDelete, Target: TargetCalDAV,
					UID: key.uid, RecurrenceID: key.recurrenceID,
					CalDAVEvent: c, Mapping: m,
					Reason: "deleted on google",
				})
			} else {
				result.ToGoogle = append(result.ToGoogle, EventChange{
					Action: ActionInsert, Target: TargetGoogle,
					UID: key.uid, RecurrenceID: key.recurrenceID,
					CalDAVEvent: c, Mapping: m,
					Reason: "new on caldav",
				})
			}

		case g != nil:
			if m != nil {
				result.ToGoogle = append(result.ToGoogle, EventChange{
					Action: ActionDelete, Target: TargetGoogle,
					UID: key.uid, RecurrenceID: key.recurrenceID,
					GoogleEvent: g, Mapping: m,
					Reason: "deleted on caldav",
				})
			} else {
				result.ToCalDAV = append(result.ToCalDAV, EventChange{
					Action: ActionInsert, Target: TargetCalDAV,
					UID: key.uid, RecurrenceID: key.recurrenceID,
					GoogleEvent: g,
					Reason: "new on google",
				})
			}

		case m != nil:
			// Absent from both sides: drop the bookkeeping, no adapter
			// mutation.
			result.Orphans = append(result.Orphans, EventChange{
				Action: ActionDelete, Target: TargetNone,
				UID: key.uid, RecurrenceID: key.recurrenceID,
				Mapping: m,
				Reason: "orphan mapping, event gone from both sides",
			})
		}
	}

	sortChanges(result.ToGoogle)
	sortChanges(result.ToCalDAV)
	sortChanges(result.Orphans)
	sortChanges(result.Adoptions)
	return result
}

// AnalyzeUnidirectional diffs with one side as the authoritative source.
// Changes are only ever emitted toward the target side.
func (d *Differ) AnalyzeUnidirectional(sourceEvents, targetEvents []domain.Event, mappings []*domain.EventMapping, direction domain.Direction) []EventChange {
	target := TargetGoogle
	if direction == domain.DirectionGoogleToCalDAV {
		target = TargetCalDAV
	}

	sourceByKey := d.indexEvents(sourceEvents)
	targetByKey := d.indexEvents(targetEvents)
	mappingByKey := indexMappings(mappings)

	var changes []EventChange
	for _, key := range unionKeys(sourceByKey, targetByKey, mappingByKey) {
		src := sourceByKey[key]
		tgt := targetByKey[key]
		m := mappingByKey[key]

		ch := EventChange{
			Target: target,
			UID:    key.uid, RecurrenceID: key.recurrenceID,
			Mapping: m,
		}
		if target == TargetGoogle {
			ch.CalDAVEvent = src
			ch.GoogleEvent = tgt
		} else {
			ch.GoogleEvent = src
			ch.CalDAVEvent = tgt
		}

		switch {
		case src != nil && tgt == nil && m == nil:
			ch.Action = ActionInsert
			ch.Reason = "new on source"

		case src != nil && tgt == nil:
			// Tracked but missing on the target: recreate it there.
			ch.Action = ActionInsert
			ch.Reason = "missing on target"

		case src != nil:
			if d.sourceChanged(src, tgt, m, direction) {
				ch.Action = ActionUpdate
				ch.Reason = "source changed"
			} else {
				ch.Action = ActionNoChange
			}

		case m != nil:
			if tgt != nil {
				ch.Action = ActionDelete
				ch.Reason = "deleted on source"
			} else {
				ch.Action = ActionDelete
				ch.Target = TargetNone
				ch.Reason = "orphan mapping, event gone from both sides"
			}

		default:
			// Target-only event with no mapping: out of scope for a
			// one-way sync, leave it alone.
			ch.Action = ActionNoChange
			ch.Reason = "untracked target event"
		}

		changes = append(changes, ch)
	}

	sortChanges(changes)
	return changes
}

// diffPair runs the change test for an event present on both sides.
func (d *Differ) diffPair(key eventKey, c, g *domain.Event, m *domain.EventMapping, result *DiffResult) {
	cHash := c.ContentHash()
	gHash := g.ContentHash()

	// Equal semantic content is never a change, regardless of what the
	// timestamps claim.
	if cHash == gHash {
		if m == nil {
			result.Adoptions = append(result.Adoptions, EventChange{
				Action: ActionNoChange, Target: TargetNone,
				UID: key.uid, RecurrenceID: key.recurrenceID,
				CalDAVEvent: c, GoogleEvent: g,
				Reason: "content match, adopting mapping",
			})
		} else {
			result.Unchanged++
		}
		return
	}

	if m == nil {
		// Same UID, different content, no history to arbitrate with.
		d.resolveConflict(key, c, g, nil, result)
		return
	}

	caldavChanged := m.LastCalDAVModified() == nil ||
		(!c.LastModified.IsZero() && c.LastModified.UTC().After(m.LastCalDAVModified().UTC()))
	googleChanged := m.LastGoogleUpdated() == nil ||
		(!g.Updated.IsZero() && g.Updated.UTC().After(m.LastGoogleUpdated().UTC()))

	if !caldavChanged && !googleChanged {
		caldavChanged = cHash != m.ContentHash()
		googleChanged = gHash != m.ContentHash()
	}

	switch {
	case caldavChanged && googleChanged:
		result.Conflicts++
		d.resolveConflict(key, c, g, m, result)

	case caldavChanged:
		result.ToGoogle = append(result.ToGoogle, EventChange{
			Action: ActionUpdate, Target: TargetGoogle,
			UID: key.uid, RecurrenceID: key.recurrenceID,
			CalDAVEvent: c, GoogleEvent: g, Mapping: m,
			Reason: "caldav changed",
		})

	case googleChanged:
		result.ToCalDAV = append(result.ToCalDAV, EventChange{
			Action: ActionUpdate, Target: TargetCalDAV,
			UID: key.uid, RecurrenceID: key.recurrenceID,
			CalDAVEvent: c, GoogleEvent: g, Mapping: m,
			Reason: "google changed",
		})

	default:
		result.Unchanged++
	}
}

// resolveConflict applies last-write-wins with the CalDAV tiebreak and
// appends the winning update.
func (d *Differ) resolveConflict(key eventKey, c, g *domain.Event, m *domain.EventMapping, result *DiffResult) {
	resolution, reason := d.pickWinner(key.uid, c, g)

	ch := EventChange{
		Action: ActionUpdate,
		UID:    key.uid, RecurrenceID: key.recurrenceID,
		CalDAVEvent: c, GoogleEvent: g, Mapping: m,
		Resolution: resolution,
		Reason:     reason,
	}
	if resolution == CalDAVWins {
		ch.Target = TargetGoogle
		result.ToGoogle = append(result.ToGoogle, ch)
	} else {
		ch.Target = TargetCalDAV
		result.ToCalDAV = append(result.ToCalDAV, ch)
	}

	d.logger.Info("conflict resolved",
		"uid", key.uid,
		"winner", string(resolution),
		"reason", reason,
	)
}

func (d *Differ) pickWinner(uid string, c, g *domain.Event) (ConflictResolution, string) {
	cm := c.LastModified.UTC()
	gm := g.Updated.UTC()

	switch {
	case !c.LastModified.IsZero() && !g.Updated.IsZero():
		if cm.After(gm) {
			return CalDAVWins, "caldav modified more recently"
		}
		if gm.After(cm) {
			return GoogleWins, "google modified more recently"
		}
		return CalDAVWins, "tie, caldav is source of truth"

	case !c.LastModified.IsZero():
		return CalDAVWins, "only caldav carries a timestamp"

	case !g.Updated.IsZero():
		return GoogleWins, "only google carries a timestamp"

	default:
		d.logger.Warn("conflict with no timestamps on either side, defaulting to caldav", "uid", uid)
		return CalDAVWins, "no timestamps, caldav is source of truth"
	}
}

// sourceChanged runs the one-way change test: source timestamp against the
// mapping, then content hash.
func (d *Differ) sourceChanged(src, tgt *domain.Event, m *domain.EventMapping, direction domain.Direction) bool {
	if m == nil {
		if tgt == nil {
			return true
		}
		return src.ContentHash() != tgt.ContentHash()
	}

	if direction == domain.DirectionCalDAVToGoogle {
		if m.LastCalDAVModified() == nil {
			return src.ContentHash() != m.ContentHash()
		}
		if !src.LastModified.IsZero() && src.LastModified.UTC().After(m.LastCalDAVModified().UTC()) {
			return true
		}
	} else {
		if m.LastGoogleUpdated() == nil {
			return src.ContentHash() != m.ContentHash()
		}
		if !src.Updated.IsZero() && src.Updated.UTC().After(m.LastGoogleUpdated().UTC()) {
			return true
		}
	}
	return src.ContentHash() != m.ContentHash()
}

// indexEvents keys events by (UID, recurrence id). When overridden
// instances of a series are present, the series master is excluded from the
// diff: the expanded instances carry the authoritative state for the window.
func (d *Differ) indexEvents(events []domain.Event) map[eventKey]*domain.Event {
	overridden := make(map[string]bool)
	for _, e := range events {
		if e.IsOverride() {
			overridden[e.UID] = true
		}
	}

	out := make(map[eventKey]*domain.Event, len(events))
	for i := range events {
		e := &events[i]
		if e.IsRecurring() && overridden[e.UID] {
			d.logger.Debug("skipping series master, overrides present in window", "uid", e.UID)
			continue
		}
		out[eventKey{uid: e.UID, recurrenceID: e.RecurrenceID}] = e
	}
	return out
}

func indexMappings(mappings []*domain.EventMapping) map[eventKey]*domain.EventMapping {
	out := make(map[eventKey]*domain.EventMapping, len(mappings))
	for _, m := range mappings {
		out[eventKey{uid: m.CalDAVUID(), recurrenceID: m.RecurrenceID()}] = m
	}
	return out
}

func unionKeys(caldav map[eventKey]*domain.Event, google map[eventKey]*domain.Event, mappings map[eventKey]*domain.EventMapping) []eventKey {
	seen := make(map[eventKey]bool)
	var keys []eventKey
	add := func(k eventKey) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range caldav {
		add(k)
	}
	for k := range google {
		add(k)
	}
	for k := range mappings {
		add(k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].uid != keys[j].uid {
			return keys[i].uid < keys[j].uid
		}
		return keys[i].recurrenceID < keys[j].recurrenceID
	})
	return keys
}

// sortChanges orders by UID so a retried run produces the same observable
// sequence.
func sortChanges(changes []EventChange) {
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].UID != changes[j].UID {
			return changes[i].UID < changes[j].UID
		}
		return changes[i].RecurrenceID < changes[j].RecurrenceID
	})
}

// Package experiments tracks completion experiments per model and drives
// their streaming lifecycle against the serving backend.
package experiments

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/modeldeck/pkg/models"
)

// ErrDuplicateExperiment is returned by Begin when the id is already tracked
// for the model.
var ErrDuplicateExperiment = errors.New("experiment already exists")

const subscriberBuffer = 256

type modelExperiments struct {
	// live is ordered most recent first.
	live  []*models.ExperimentState
	saved []*models.ExperimentState
}

// Registry owns every ExperimentState. All mutation goes through its methods,
// which serialize on a single mutex; events for unknown or terminal
// experiments are dropped silently because token delivery races with user
// removal and cancellation.
type Registry struct {
	mu      sync.RWMutex
	models  map[string]*modelExperiments
	subs    map[int]subscriber
	nextSub int
	now     func() time.Time
}

type subscriber struct {
	modelID string
	ch      chan Change
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		models: make(map[string]*modelExperiments),
		subs:   make(map[int]subscriber),
		now:    time.Now,
	}
}

// Begin inserts a new active experiment at the front of its model's list.
func (r *Registry) Begin(exp models.Experiment) error {
	if err := exp.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.models[exp.ModelID]
	if !ok {
		entry = &modelExperiments{}
		r.models[exp.ModelID] = entry
	}
	if state, _ := entry.find(exp.ID); state != nil {
		return ErrDuplicateExperiment
	}

	state := &models.ExperimentState{
		Experiment: exp,
		Status:     models.ExperimentStatusStarting,
		StartedAt:  r.now(),
	}
	entry.live = append([]*models.ExperimentState{state}, entry.live...)
	r.publish(Change{Kind: ChangeBegin, ModelID: exp.ModelID, ExperimentID: exp.ID, State: *state})
	return nil
}

// MarkStreaming records that the experiment's connection is established.
func (r *Registry) MarkStreaming(modelID, experimentID string) bool {
	return r.transition(modelID, experimentID, models.ExperimentStatusStreaming)
}

// AppendToken concatenates fragment onto an active experiment's output.
// It reports whether the fragment was applied.
func (r *Registry) AppendToken(modelID, experimentID, fragment string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.activeLocked(modelID, experimentID)
	if state == nil {
		return false
	}
	state.Output += fragment
	r.publish(Change{
		Kind:         ChangeToken,
		ModelID:      modelID,
		ExperimentID: experimentID,
		Fragment:     fragment,
		State:        *state,
	})
	return true
}

// Complete marks an active experiment as finished.
func (r *Registry) Complete(modelID, experimentID string) bool {
	return r.transition(modelID, experimentID, models.ExperimentStatusFinished)
}

// Fail marks an active experiment as failed.
func (r *Registry) Fail(modelID, experimentID string) bool {
	return r.transition(modelID, experimentID, models.ExperimentStatusFailed)
}

// Cancel marks an active experiment as cancelled by the user.
func (r *Registry) Cancel(modelID, experimentID string) bool {
	return r.transition(modelID, experimentID, models.ExperimentStatusCancelled)
}

func (r *Registry) transition(modelID, experimentID string, to models.ExperimentStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.activeLocked(modelID, experimentID)
	if state == nil {
		return false
	}
	// streaming is only reachable from starting.
	if to == models.ExperimentStatusStreaming && state.Status != models.ExperimentStatusStarting {
		return false
	}
	state.Status = to
	if to.Terminal() {
		state.FinishedAt = r.now()
	}
	r.publish(Change{Kind: changeForStatus(to), ModelID: modelID, ExperimentID: experimentID, State: *state})
	return true
}

// Remove deletes the experiment from the live or saved partition.
func (r *Registry) Remove(modelID, experimentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.models[modelID]
	if !ok {
		return false
	}
	for i, state := range entry.live {
		if state.Experiment.ID == experimentID {
			entry.live = append(entry.live[:i], entry.live[i+1:]...)
			r.publish(Change{Kind: ChangeRemoved, ModelID: modelID, ExperimentID: experimentID, State: *state})
			return true
		}
	}
	for i, state := range entry.saved {
		if state.Experiment.ID == experimentID {
			entry.saved = append(entry.saved[:i], entry.saved[i+1:]...)
			r.publish(Change{Kind: ChangeRemoved, ModelID: modelID, ExperimentID: experimentID, State: *state})
			return true
		}
	}
	return false
}

// AddSaved seeds previously persisted experiments into the model's saved
// partition. Records already tracked, either by experiment id or as the saved
// id of an existing entry, are skipped. A ChangeSaved is published for each
// record added. It returns the number of records added.
func (r *Registry) AddSaved(modelID, modelName string, saved []models.SavedExperiment) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.models[modelID]
	if !ok {
		entry = &modelExperiments{}
		r.models[modelID] = entry
	}

	var added []*models.ExperimentState
	for _, record := range saved {
		if record.ID == "" {
			continue
		}
		if state, _ := entry.find(record.ID); state != nil {
			continue
		}
		if entry.findSaved(record.ID) != nil {
			continue
		}
		if record.ModelID == "" {
			record.ModelID = modelID
		}
		state := record.ToState(modelName)
		entry.saved = append(entry.saved, &state)
		added = append(added, &state)
	}
	entry.sortSaved()
	for _, state := range added {
		r.publish(Change{Kind: ChangeSaved, ModelID: modelID, ExperimentID: state.Experiment.ID, State: *state})
	}
	return len(added)
}

// MoveToSaved records the persisted id of a finished live experiment and
// moves it into the saved partition. The experiment keeps its id.
func (r *Registry) MoveToSaved(modelID, experimentID, savedID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.models[modelID]
	if !ok {
		return false
	}
	for i, state := range entry.live {
		if state.Experiment.ID != experimentID {
			continue
		}
		if state.Active() {
			return false
		}
		entry.live = append(entry.live[:i], entry.live[i+1:]...)
		state.Saved = true
		state.SavedID = savedID
		entry.saved = append(entry.saved, state)
		entry.sortSaved()
		r.publish(Change{Kind: ChangeSaved, ModelID: modelID, ExperimentID: experimentID, State: *state})
		return true
	}
	return false
}

// MarkSaved records the persisted id of a finished live experiment.
func (r *Registry) MarkSaved(modelID, experimentID, savedID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.models[modelID]
	if !ok {
		return false
	}
	state, live := entry.find(experimentID)
	if state == nil || !live || state.Active() {
		return false
	}
	state.Saved = true
	state.SavedID = savedID
	r.publish(Change{Kind: ChangeSaved, ModelID: modelID, ExperimentID: experimentID, State: *state})
	return true
}

// Get returns a copy of one experiment's state.
func (r *Registry) Get(modelID, experimentID string) (models.ExperimentState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.models[modelID]
	if !ok {
		return models.ExperimentState{}, false
	}
	state, _ := entry.find(experimentID)
	if state == nil {
		return models.ExperimentState{}, false
	}
	return *state, true
}

// List returns copies of a model's experiments, live entries first.
func (r *Registry) List(modelID string) []models.ExperimentState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.models[modelID]
	if !ok {
		return nil
	}
	out := make([]models.ExperimentState, 0, len(entry.live)+len(entry.saved))
	for _, state := range entry.live {
		out = append(out, *state)
	}
	for _, state := range entry.saved {
		out = append(out, *state)
	}
	return out
}

// HasModel reports whether any experiment was ever tracked for the model.
func (r *Registry) HasModel(modelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.models[modelID]
	return ok
}

// Models returns the ids of models with tracked experiments, sorted.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.models))
	for id := range r.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscribe returns a channel of changes for modelID, or for every model when
// modelID is empty. Slow subscribers miss changes rather than block writers.
// The returned function unsubscribes and closes the channel.
func (r *Registry) Subscribe(modelID string) (<-chan Change, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSub
	r.nextSub++
	ch := make(chan Change, subscriberBuffer)
	r.subs[id] = subscriber{modelID: modelID, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subs, id)
			close(ch)
		})
	}
}

func (r *Registry) activeLocked(modelID, experimentID string) *models.ExperimentState {
	entry, ok := r.models[modelID]
	if !ok {
		return nil
	}
	for _, state := range entry.live {
		if state.Experiment.ID == experimentID {
			if !state.Active() {
				return nil
			}
			return state
		}
	}
	return nil
}

// publish must be called with r.mu held for writing.
func (r *Registry) publish(change Change) {
	for _, sub := range r.subs {
		if sub.modelID != "" && sub.modelID != change.ModelID {
			continue
		}
		select {
		case sub.ch <- change:
		default:
		}
	}
}

// findSaved returns the entry persisted under savedID, if any.
func (m *modelExperiments) findSaved(savedID string) *models.ExperimentState {
	for _, list := range [][]*models.ExperimentState{m.live, m.saved} {
		for _, state := range list {
			if state.SavedID == savedID {
				return state
			}
		}
	}
	return nil
}

func (m *modelExperiments) sortSaved() {
	sort.SliceStable(m.saved, func(i, j int) bool {
		return m.saved[i].StartedAt.After(m.saved[j].StartedAt)
	})
}

func (m *modelExperiments) find(experimentID string) (*models.ExperimentState, bool) {
	for _, state := range m.live {
		if state.Experiment.ID == experimentID {
			return state, true
		}
	}
	for _, state := range m.saved {
		if state.Experiment.ID == experimentID {
			return state, false
		}
	}
	return nil, false
}

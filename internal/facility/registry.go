// Package facility tracks the shared resources of the testbed and the
// action lists (test cases, UEs, scenarios) experiments are composed from.
// The Registry decides which execution may lock which resources.
package facility

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
)

var (
	// ErrUnknownResource marks a request that can never be satisfied
	ErrUnknownResource = errors.New("unknown resource")
	// ErrResourcesBusy is returned when replacing resources while any is locked
	ErrResourcesBusy = errors.New("resources in use")
)

// Denial reasons reported to the Observer
const (
	DenyExclusiveRequested = "exclusive_requested"
	DenyExclusiveActive    = "exclusive_active"
	DenyLocked             = "locked"
	DenyOlderRequester     = "older_requester"
	DenyRollback           = "rollback"
)

// Resource is a named piece of testbed equipment that at most one
// execution can own at a time.
type Resource struct {
	ID          string `yaml:"Id" json:"id"`
	Name        string `yaml:"Name" json:"name"`
	Description string `yaml:"Description,omitempty" json:"description,omitempty"`

	owner  domain.ExecutionID
	locked bool
}

// Locked reports whether the resource currently has an owner
func (r *Resource) Locked() bool { return r.locked }

// Owner returns the owning execution, if any
func (r *Resource) Owner() (domain.ExecutionID, bool) { return r.owner, r.locked }

// ResourceInfo is a point-in-time copy of a resource's state
type ResourceInfo struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Locked      bool                `json:"locked"`
	Owner       *domain.ExecutionID `json:"owner,omitempty"`
}

// Observer receives admission outcomes (metrics)
type Observer interface {
	AdmissionGranted(exclusive bool)
	AdmissionDenied(reason string)
	BusyResources(n int)
}

// Registry holds every resource together with the admission state. All
// fields are guarded by mu: admission decisions span several resources and
// must be taken and committed atomically.
type Registry struct {
	mu              sync.Mutex
	resources       map[string]*Resource
	requesters      map[domain.ExecutionID][]string
	active          []domain.ExecutionID
	activeExclusive *domain.ExecutionID

	logger   *slog.Logger
	observer Observer
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		resources:  make(map[string]*Resource),
		requesters: make(map[domain.ExecutionID][]string),
		logger:     logger.With("component", "facility"),
	}
}

// SetObserver installs an admission observer
func (r *Registry) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// Replace swaps the resource set for a freshly loaded one. It refuses to do
// so while any current resource is locked.
func (r *Registry) Replace(resources []*Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, res := range r.resources {
		if res.locked {
			return ErrResourcesBusy
		}
	}

	next := make(map[string]*Resource, len(resources))
	for _, res := range resources {
		if _, dup := next[res.ID]; dup {
			return fmt.Errorf("duplicate resource id %q", res.ID)
		}
		next[res.ID] = &Resource{ID: res.ID, Name: res.Name, Description: res.Description}
	}
	r.resources = next
	return nil
}

// Feasible checks that every requested id names a known resource. A request
// failing this check will never be granted, however long it waits.
func (r *Registry) Feasible(ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var missing []string
	for _, id := range ids {
		if _, ok := r.resources[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrUnknownResource, missing)
	}
	return nil
}

// TryLockResources attempts to lock every requested resource for owner.
// It returns false when the request conflicts with an active exclusive
// execution, with an already locked resource, or with an older execution
// that asked for an overlapping set.
func (r *Registry) TryLockResources(ids []string, owner domain.ExecutionID, exclusive bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger := r.logger.With("execution", owner)

	var resources []*Resource
	for _, id := range ids {
		if res, ok := r.resources[id]; ok {
			resources = append(resources, res)
		}
	}
	resourceIDs := make([]string, len(resources))
	for i, res := range resources {
		resourceIDs[i] = res.ID
	}

	if _, known := r.requesters[owner]; !known {
		r.requesters[owner] = resourceIDs
	}

	if exclusive && len(r.active) != 0 {
		logger.Debug("resources denied: exclusive execution requested", "active", len(r.active))
		r.denied(DenyExclusiveRequested)
		return false
	}

	if !exclusive && r.activeExclusive != nil {
		logger.Debug("resources denied: exclusive execution in progress", "exclusive", *r.activeExclusive)
		r.denied(DenyExclusiveActive)
		return false
	}

	for _, res := range resources {
		if res.locked {
			logger.Debug("resources denied: already locked", "resource", res.ID, "owner", res.owner)
			r.denied(DenyLocked)
			return false
		}
	}

	for _, other := range r.sortedRequesters() {
		if other >= owner {
			continue
		}
		if overlap := intersect(r.requesters[other], resourceIDs); len(overlap) != 0 {
			logger.Debug("resources denied: conflict with older execution", "older", other, "resources", overlap)
			r.denied(DenyOlderRequester)
			return false
		}
	}

	if !r.lockAll(resourceIDs, owner) {
		r.denied(DenyRollback)
		return false
	}

	if exclusive {
		id := owner
		r.activeExclusive = &id
	}
	r.active = append(r.active, owner)

	if r.observer != nil {
		r.observer.AdmissionGranted(exclusive)
		r.observer.BusyResources(r.busyCount())
	}
	return true
}

// ReleaseResources unlocks those of the given resources that owner holds
// and forgets owner's request. Resources locked by another execution are
// left alone.
func (r *Registry) ReleaseResources(ids []string, owner domain.ExecutionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.requesters, owner)
	for _, id := range ids {
		if res, ok := r.resources[id]; ok && res.locked && res.owner != owner {
			r.logger.Warn("not releasing resource held by another execution",
				"resource", id, "execution", owner, "owner", res.owner)
			continue
		}
		r.releaseResource(id)
	}
	r.forgetActive(owner)

	if r.observer != nil {
		r.observer.BusyResources(r.busyCount())
	}
}

// Withdraw removes every trace of owner: its pending request, its active
// registration and any lock it still holds. It returns the ids of the
// resources it had to unlock, sorted.
func (r *Registry) Withdraw(owner domain.ExecutionID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var held []string
	for id, res := range r.resources {
		if res.locked && res.owner == owner {
			held = append(held, id)
		}
	}
	slices.Sort(held)
	r.releaseAll(held)

	delete(r.requesters, owner)
	r.forgetActive(owner)

	if r.observer != nil && len(held) != 0 {
		r.observer.BusyResources(r.busyCount())
	}
	return held
}

func (r *Registry) forgetActive(owner domain.ExecutionID) {
	if r.activeExclusive != nil && *r.activeExclusive == owner {
		r.activeExclusive = nil
	}
	if i := slices.Index(r.active, owner); i >= 0 {
		r.active = slices.Delete(r.active, i, i+1)
	}
}

func (r *Registry) lockResource(id string, owner domain.ExecutionID) bool {
	res, ok := r.resources[id]
	if !ok {
		r.logger.Error("resource not found", "resource", id)
		return false
	}
	if res.locked {
		r.logger.Error("unable to lock resource", "resource", res.ID, "name", res.Name,
			"execution", owner, "owner", res.owner)
		return false
	}
	res.owner = owner
	res.locked = true
	r.logger.Info("resource locked", "resource", res.ID, "name", res.Name, "execution", owner)
	return true
}

// lockAll locks ids in order for owner. If any lock fails, the ones taken
// by this call are released again and false is returned.
func (r *Registry) lockAll(ids []string, owner domain.ExecutionID) bool {
	var locked []string
	for _, id := range ids {
		if !r.lockResource(id, owner) {
			r.logger.Warn("could not lock resource, rolling back",
				"resource", id, "execution", owner, "rolled_back", locked)
			r.releaseAll(locked)
			return false
		}
		locked = append(locked, id)
	}
	return true
}

func (r *Registry) releaseResource(id string) bool {
	res, ok := r.resources[id]
	if !ok {
		r.logger.Error("resource not found", "resource", id)
		return false
	}
	if !res.locked {
		r.logger.Warn("tried to release idle resource", "resource", id)
		return false
	}
	r.logger.Info("releasing resource", "resource", res.ID, "name", res.Name, "owner", res.owner)
	res.owner = 0
	res.locked = false
	return true
}

func (r *Registry) releaseAll(ids []string) {
	for _, id := range ids {
		r.releaseResource(id)
	}
}

func (r *Registry) denied(reason string) {
	if r.observer != nil {
		r.observer.AdmissionDenied(reason)
	}
}

func (r *Registry) busyCount() int {
	n := 0
	for _, res := range r.resources {
		if res.locked {
			n++
		}
	}
	return n
}

func (r *Registry) sortedRequesters() []domain.ExecutionID {
	ids := make([]domain.ExecutionID, 0, len(r.requesters))
	for id := range r.requesters {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Resources returns a snapshot of all resources sorted by id
func (r *Registry) Resources() []ResourceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ResourceInfo, 0, len(r.resources))
	for _, res := range r.resources {
		info := ResourceInfo{ID: res.ID, Name: res.Name, Description: res.Description, Locked: res.locked}
		if res.locked {
			owner := res.owner
			info.Owner = &owner
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Busy returns the ids of locked resources
func (r *Registry) Busy() []string {
	var ids []string
	for _, info := range r.Resources() {
		if info.Locked {
			ids = append(ids, info.ID)
		}
	}
	return ids
}

// Active returns the executions currently holding resources, in admission order
func (r *Registry) Active() []domain.ExecutionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.active)
}

// ActiveExclusive returns the exclusive execution, if one is running
func (r *Registry) ActiveExclusive() (domain.ExecutionID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeExclusive == nil {
		return 0, false
	}
	return *r.activeExclusive, true
}

// Requesting reports whether owner has an outstanding request recorded
func (r *Registry) Requesting(owner domain.ExecutionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.requesters[owner]
	return ok
}

func intersect(a, b []string) []string {
	var out []string
	for _, x := range a {
		if slices.Contains(b, x) && !slices.Contains(out, x) {
			out = append(out, x)
		}
	}
	return out
}

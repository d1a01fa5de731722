package attach

import (
	"sort"
	"sync"
	"time"

	"github.com/dgnsrekt/canvas_capture/internal/controller"
)

// TabInfo describes one attached page.
type TabInfo struct {
	TabID      int       `json:"tab_id"`
	TargetID   string    `json:"target_id"`
	URL        string    `json:"url"`
	Title      string    `json:"title,omitempty"`
	Opened     bool      `json:"opened"`
	AttachedAt time.Time `json:"attached_at"`
}

type entry struct {
	info     TabInfo
	tab      Tab
	ctrl     *controller.Controller
	closeTab func()
	once     sync.Once
}

// registry maps browser target ids to attached tabs. A target is reserved
// before the slow attach work starts so concurrent attaches cannot race.
type registry struct {
	mu       sync.RWMutex
	byTarget map[string]*entry
	nextID   int
}

func newRegistry() *registry {
	return &registry{byTarget: make(map[string]*entry)}
}

// reserve claims targetID and hands out the next tab id.
func (r *registry) reserve(targetID string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byTarget[targetID]; taken {
		return nil, false
	}
	r.nextID++
	e := &entry{info: TabInfo{TabID: r.nextID, TargetID: targetID}}
	r.byTarget[targetID] = e
	return e, true
}

func (r *registry) remove(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byTarget[e.info.TargetID] == e {
		delete(r.byTarget, e.info.TargetID)
	}
}

func (r *registry) byTab(tabID int) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.byTarget {
		if e.info.TabID == tabID && e.ctrl != nil {
			return e, true
		}
	}
	return nil, false
}

// tabIDOf returns the tab attached to targetID, or 0.
func (r *registry) tabIDOf(targetID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.byTarget[targetID]; ok {
		return e.info.TabID
	}
	return 0
}

// ready lists fully attached entries ordered by tab id.
func (r *registry) ready() []*entry {
	r.mu.RLock()
	out := make([]*entry, 0, len(r.byTarget))
	for _, e := range r.byTarget {
		if e.ctrl != nil {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].info.TabID < out[j].info.TabID })
	return out
}

func (r *registry) publish(e *entry, info TabInfo, tab Tab, ctrl *controller.Controller, closeTab func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.info = info
	e.tab = tab
	e.ctrl = ctrl
	e.closeTab = closeTab
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTarget)
}

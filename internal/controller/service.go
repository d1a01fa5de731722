package controller

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dgnsrekt/canvas_capture/internal/blob"
	"github.com/dgnsrekt/canvas_capture/internal/protocol"
	"github.com/dgnsrekt/canvas_capture/internal/relay"
)

// Service routes API calls to the controller of each tab.
type Service struct {
	hub *relay.Hub

	mu   sync.RWMutex
	tabs map[int]*Controller
}

func NewService(hub *relay.Hub) *Service {
	return &Service{hub: hub, tabs: make(map[int]*Controller)}
}

// Add registers a tab's controller. The service forgets it once the
// controller shuts down.
func (s *Service) Add(c *Controller) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tabs[c.TabID()]; dup {
		return protocol.NewError(protocol.CodeBusy, fmt.Sprintf("tab %d already has a controller", c.TabID()), nil)
	}
	s.tabs[c.TabID()] = c
	go func() {
		<-c.Done()
		s.mu.Lock()
		if s.tabs[c.TabID()] == c {
			delete(s.tabs, c.TabID())
		}
		s.mu.Unlock()
	}()
	return nil
}

// Close shuts every controller down.
func (s *Service) Close() {
	s.mu.RLock()
	all := make([]*Controller, 0, len(s.tabs))
	for _, c := range s.tabs {
		all = append(all, c)
	}
	s.mu.RUnlock()
	for _, c := range all {
		_ = c.Close()
	}
}

func (s *Service) tab(tabID int) (*Controller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.tabs[tabID]
	if !ok {
		return nil, protocol.NewError(protocol.CodeNotFound, fmt.Sprintf("tab %d not found", tabID), nil)
	}
	return c, nil
}

func (s *Service) requireHandle(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", protocol.NewError(protocol.CodeValidation, "handle is required", nil)
	}
	if !blob.Handle(value).Valid() {
		return "", protocol.NewError(protocol.CodeValidation, "handle is malformed", nil)
	}
	return value, nil
}

// TabSummary is one row of the tab listing.
type TabSummary struct {
	TabID    int    `json:"tab_id"`
	Phase    string `json:"phase"`
	Canvases int    `json:"canvases"`
	Records  int    `json:"records"`
	Agents   int    `json:"agents"`
	Active   bool   `json:"active"`
}

func (s *Service) ListTabs(ctx context.Context) []TabSummary {
	s.mu.RLock()
	ctrls := make([]*Controller, 0, len(s.tabs))
	for _, c := range s.tabs {
		ctrls = append(ctrls, c)
	}
	s.mu.RUnlock()

	routes := map[int]relay.TabInfo{}
	if s.hub != nil {
		for _, t := range s.hub.Tabs() {
			routes[t.TabID] = t
		}
	}
	out := make([]TabSummary, 0, len(ctrls))
	for _, c := range ctrls {
		r := routes[c.TabID()]
		out = append(out, TabSummary{
			TabID:    c.TabID(),
			Phase:    c.Session().Phase,
			Canvases: len(c.Rows()),
			Records:  len(c.Records()),
			Agents:   r.Agents,
			Active:   r.Active,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

func (s *Service) Canvases(ctx context.Context, tabID int) ([]Row, error) {
	c, err := s.tab(tabID)
	if err != nil {
		return nil, err
	}
	return c.Rows(), nil
}

func (s *Service) Frames(ctx context.Context, tabID int) ([]FrameInfo, error) {
	c, err := s.tab(tabID)
	if err != nil {
		return nil, err
	}
	return c.Frames(), nil
}

func (s *Service) Session(ctx context.Context, tabID int) (SessionInfo, error) {
	c, err := s.tab(tabID)
	if err != nil {
		return SessionInfo{}, err
	}
	return c.Session(), nil
}

func (s *Service) StartCapture(ctx context.Context, tabID, row int, settings *protocol.Settings) (SessionInfo, error) {
	if row < 0 {
		return SessionInfo{}, protocol.NewError(protocol.CodeValidation, "row must be >= 0", nil)
	}
	c, err := s.tab(tabID)
	if err != nil {
		return SessionInfo{}, err
	}
	return c.Start(row, settings)
}

func (s *Service) StopCapture(ctx context.Context, tabID int) (SessionInfo, error) {
	c, err := s.tab(tabID)
	if err != nil {
		return SessionInfo{}, err
	}
	return c.Stop()
}

func (s *Service) CancelCapture(ctx context.Context, tabID int) (SessionInfo, error) {
	c, err := s.tab(tabID)
	if err != nil {
		return SessionInfo{}, err
	}
	return c.Cancel()
}

func (s *Service) SkipDelay(ctx context.Context, tabID int) (SessionInfo, error) {
	c, err := s.tab(tabID)
	if err != nil {
		return SessionInfo{}, err
	}
	return c.SkipDelay()
}

func (s *Service) UpdateSettings(ctx context.Context, tabID, row int, settings protocol.Settings) (Row, error) {
	c, err := s.tab(tabID)
	if err != nil {
		return Row{}, err
	}
	return c.UpdateSettings(row, settings)
}

func (s *Service) Highlight(ctx context.Context, tabID, row int) error {
	c, err := s.tab(tabID)
	if err != nil {
		return err
	}
	return c.Highlight(row)
}

func (s *Service) Refresh(ctx context.Context, tabID int) error {
	c, err := s.tab(tabID)
	if err != nil {
		return err
	}
	return c.Refresh()
}

func (s *Service) SetEnabled(ctx context.Context, tabID int, enabled bool) error {
	c, err := s.tab(tabID)
	if err != nil {
		return err
	}
	if enabled {
		return c.Enable()
	}
	return c.Disable()
}

func (s *Service) Records(ctx context.Context, tabID int) ([]protocol.RecordInfo, error) {
	c, err := s.tab(tabID)
	if err != nil {
		return nil, err
	}
	return c.Records(), nil
}

func (s *Service) RecordPayload(ctx context.Context, tabID int, handle string) (protocol.RecordInfo, []byte, error) {
	handle, err := s.requireHandle(handle)
	if err != nil {
		return protocol.RecordInfo{}, nil, err
	}
	c, err := s.tab(tabID)
	if err != nil {
		return protocol.RecordInfo{}, nil, err
	}
	return c.Payload(handle)
}

func (s *Service) DownloadRecord(ctx context.Context, tabID int, handle, name string) (string, error) {
	handle, err := s.requireHandle(handle)
	if err != nil {
		return "", err
	}
	if strings.ContainsAny(name, `/\`) {
		return "", protocol.NewError(protocol.CodeValidation, "name must not contain path separators", nil)
	}
	c, err := s.tab(tabID)
	if err != nil {
		return "", err
	}
	return c.Download(ctx, handle, strings.TrimSpace(name))
}

func (s *Service) RemoveRecord(ctx context.Context, tabID int, handle string) error {
	handle, err := s.requireHandle(handle)
	if err != nil {
		return err
	}
	c, err := s.tab(tabID)
	if err != nil {
		return err
	}
	return c.RemoveRecord(handle)
}

func (s *Service) Notifications(ctx context.Context, tabID int) ([]Notification, error) {
	c, err := s.tab(tabID)
	if err != nil {
		return nil, err
	}
	return c.Notifications(), nil
}

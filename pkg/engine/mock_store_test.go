package engine

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store for engine tests. It mirrors the SQLite
// store's conditional-transition semantics, including the denormalized
// per-unit not-before and report deadline.
type memStore struct {
	mu        sync.Mutex
	items     map[string]*WorkItem
	units     map[string]map[string]*DeviceWorkStatus
	notBefore map[string]map[string]time.Time
	deadlines map[string]map[string]time.Time
	order     []string
}

func newMemStore() *memStore {
	return &memStore{
		items:     make(map[string]*WorkItem),
		units:     make(map[string]map[string]*DeviceWorkStatus),
		notBefore: make(map[string]map[string]time.Time),
		deadlines: make(map[string]map[string]time.Time),
	}
}

func copyItem(item *WorkItem) *WorkItem {
	c := *item
	return &c
}

func copyUnit(unit *DeviceWorkStatus) *DeviceWorkStatus {
	c := *unit
	return &c
}

func (s *memStore) CreateWorkItem(_ context.Context, item *WorkItem, units []*DeviceWorkStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[item.ID] = copyItem(item)
	s.units[item.ID] = make(map[string]*DeviceWorkStatus, len(units))
	s.notBefore[item.ID] = make(map[string]time.Time, len(units))
	s.deadlines[item.ID] = make(map[string]time.Time)
	s.order = append(s.order, item.ID)

	for _, u := range units {
		s.units[item.ID][u.DeviceID] = copyUnit(u)
		nb := item.CreatedAt
		if u.BatchIndex < len(item.BatchPlan) {
			nb = item.BatchPlan[u.BatchIndex].NotBefore
		}
		s.notBefore[item.ID][u.DeviceID] = nb
	}
	return nil
}

func (s *memStore) GetWorkItem(_ context.Context, id string) (*WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, NewNotFoundError("work item not found", nil).WithWorkItem(id)
	}
	return copyItem(item), nil
}

func (s *memStore) ListWorkItems(_ context.Context, limit, offset int) ([]*WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*WorkItem{}
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, copyItem(s.items[s.order[i]]))
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ListWorkItemsByStatus(_ context.Context, statuses ...WorkItemStatus) ([]*WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*WorkItem{}
	for _, id := range s.order {
		item := s.items[id]
		for _, st := range statuses {
			if item.Status == st {
				out = append(out, copyItem(item))
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) TransitionWorkItem(_ context.Context, id string, from, to WorkItemStatus, update WorkItemUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok || item.Status != from {
		return false, nil
	}
	item.Status = to
	if update.CurrentBatch != nil {
		item.CurrentBatch = *update.CurrentBatch
	}
	if update.CancelReason != "" {
		item.CancelReason = update.CancelReason
	}
	item.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *memStore) GetDeviceStatus(_ context.Context, workItemID, deviceID string) (*DeviceWorkStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unit, ok := s.units[workItemID][deviceID]
	if !ok {
		return nil, NewNotFoundError("device work status not found", nil).
			WithWorkItem(workItemID).WithDevice(deviceID)
	}
	return copyUnit(unit), nil
}

func (s *memStore) ListDeviceStatuses(_ context.Context, workItemID string) ([]*DeviceWorkStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*DeviceWorkStatus{}
	for _, u := range s.units[workItemID] {
		out = append(out, copyUnit(u))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BatchIndex != out[j].BatchIndex {
			return out[i].BatchIndex < out[j].BatchIndex
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out, nil
}

func (s *memStore) ActiveUnit(_ context.Context, deviceID string) (*DeviceWorkStatus, *WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		if u, ok := s.units[id][deviceID]; ok && u.Status.IsActive() {
			return copyUnit(u), copyItem(s.items[id]), nil
		}
	}
	return nil, nil, nil
}

func (s *memStore) NextPending(_ context.Context, deviceID string, now time.Time) (*DeviceWorkStatus, *WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		item := s.items[id]
		if item.Status != WorkItemStatusDispatching && item.Status != WorkItemStatusMonitoring {
			continue
		}
		u, ok := s.units[id][deviceID]
		if !ok || u.Status != DeviceStatusPending || u.BatchIndex != item.CurrentBatch {
			continue
		}
		if s.notBefore[id][deviceID].After(now) {
			continue
		}
		return copyUnit(u), copyItem(item), nil
	}
	return nil, nil, nil
}

func (s *memStore) MarkDispatched(_ context.Context, workItemID, deviceID string, at, deadline time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[workItemID][deviceID]
	if !ok || u.Status != DeviceStatusPending {
		return false, nil
	}
	for _, units := range s.units {
		if other, ok := units[deviceID]; ok && other.Status.IsActive() {
			return false, nil
		}
	}
	u.Status = DeviceStatusDispatched
	u.DispatchedAt = &at
	u.UpdatedAt = at
	s.deadlines[workItemID][deviceID] = deadline
	return true, nil
}

func (s *memStore) ApplyReport(_ context.Context, workItemID, deviceID string, from DeviceStatus, report StatusReport, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[workItemID][deviceID]
	if !ok || u.Status != from {
		return false, nil
	}

	u.Status = report.Status
	u.RetryCount = report.RetryCount
	u.ErrorDetail = report.ErrorDetail
	u.Result = report.Result
	u.UpdatedAt = at
	if report.Status.IsTerminal() {
		u.CompletedAt = &at
		item := s.items[workItemID]
		item.Counters.Pending--
		switch {
		case report.Status == DeviceStatusSucceeded:
			item.Counters.Succeeded++
		case report.Status.IsFailure():
			item.Counters.Failed++
		}
		item.UpdatedAt = at
	}
	return true, nil
}

func (s *memStore) TerminateWorkItem(_ context.Context, id string, from, to WorkItemStatus, reason string, at time.Time) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok || item.Status != from {
		return false, 0, nil
	}

	flipped := 0
	for _, u := range s.units[id] {
		if u.Status.IsTerminal() {
			continue
		}
		u.Status = DeviceStatusCanceled
		u.CompletedAt = &at
		u.UpdatedAt = at
		flipped++
	}

	item.Status = to
	item.CancelReason = reason
	item.Counters.Pending -= flipped
	item.UpdatedAt = at
	return true, flipped, nil
}

func (s *memStore) BatchOutcome(_ context.Context, workItemID string, batchIndex int) (BatchOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out BatchOutcome
	for _, u := range s.units[workItemID] {
		if u.BatchIndex != batchIndex {
			continue
		}
		out.Total++
		switch {
		case u.Status == DeviceStatusSucceeded:
			out.Succeeded++
		case u.Status.IsFailure():
			out.Failed++
		case u.Status == DeviceStatusCanceled:
			out.Canceled++
		default:
			out.NonTerminal++
		}
	}
	return out, nil
}

func (s *memStore) ExpireOverdueUnits(_ context.Context, now time.Time) ([]ExpiredUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []ExpiredUnit
	for _, id := range s.order {
		for deviceID, u := range s.units[id] {
			deadline, ok := s.deadlines[id][deviceID]
			if !ok || !u.Status.IsActive() || deadline.After(now) {
				continue
			}
			u.Status = DeviceStatusTimedOut
			u.CompletedAt = &now
			u.UpdatedAt = now
			item := s.items[id]
			item.Counters.Pending--
			item.Counters.Failed++
			item.UpdatedAt = now
			expired = append(expired, ExpiredUnit{
				WorkItemID: id,
				DeviceID:   deviceID,
				BatchIndex: u.BatchIndex,
			})
		}
	}
	return expired, nil
}

// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStore 内存实现：事件流 + 版本
type memoryStore struct {
	mu      sync.RWMutex
	byJob   map[string][]JobEvent
	firstAt map[string]time.Time
}

// NewMemoryStore 创建内存版事件存储
func NewMemoryStore() JobStore {
	return &memoryStore{
		byJob:   make(map[string][]JobEvent),
		firstAt: make(map[string]time.Time),
	}
}

func (s *memoryStore) ListEvents(ctx context.Context, jobID string) ([]JobEvent, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.byJob[jobID]
	version := len(events)
	if version == 0 {
		return nil, 0, nil
	}
	out := make([]JobEvent, version)
	for i := range events {
		e := events[i]
		if len(e.Payload) > 0 {
			e.Payload = append([]byte(nil), events[i].Payload...)
		}
		out[i] = e
	}
	return out, version, nil
}

func (s *memoryStore) Append(ctx context.Context, jobID string, expectedVersion int, event JobEvent) (int, error) {
	if jobID == "" {
		return 0, ErrVersionMismatch
	}
	if event.ID == "" {
		event.ID = "ev-" + uuid.New().String()
	}
	event.JobID = jobID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if len(event.Payload) > 0 {
		event.Payload = append([]byte(nil), event.Payload...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.byJob[jobID]
	if len(current) != expectedVersion {
		return 0, ErrVersionMismatch
	}
	if len(current) == 0 {
		s.firstAt[jobID] = event.CreatedAt
	}
	s.byJob[jobID] = append(current, event)
	return len(s.byJob[jobID]), nil
}

func (s *memoryStore) ListJobIDs(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.firstAt))
	for id := range s.firstAt {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := s.firstAt[ids[i]], s.firstAt[ids[j]]
		if ti.Equal(tj) {
			return ids[i] < ids[j]
		}
		return ti.After(tj)
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *memoryStore) Close() error { return nil }

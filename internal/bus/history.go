// Copyright 2025 Tom Barlow
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

package bus

import "sync"

// historyRing retains the last N events across all topics.
type historyRing struct {
	mu   sync.Mutex
	buf  []*Event
	next int
	full bool
}

func newHistoryRing(size int) *historyRing {
	return &historyRing{buf: make([]*Event, size)}
}

func (h *historyRing) add(event *Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.next] = event
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// snapshot returns retained events oldest first, optionally filtered
// by topic and truncated to the most recent limit entries.
func (h *historyRing) snapshot(topic string, limit int) []*Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var ordered []*Event
	if h.full {
		ordered = append(ordered, h.buf[h.next:]...)
		ordered = append(ordered, h.buf[:h.next]...)
	} else {
		ordered = append(ordered, h.buf[:h.next]...)
	}

	var out []*Event
	for _, event := range ordered {
		if topic == "" || event.Topic == topic {
			out = append(out, event)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

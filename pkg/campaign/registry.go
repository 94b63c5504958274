// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package campaign

import (
	"sort"
	"sync"
)

// Registry holds the live set of campaign definitions. Reloads replace the
// whole map atomically; readers always observe a self-consistent snapshot.
type Registry struct {
	mu        sync.RWMutex
	campaigns map[string]*Campaign
}

// NewRegistry creates a registry seeded with the given campaigns. A nil map
// yields an empty registry.
func NewRegistry(campaigns map[string]*Campaign) *Registry {
	if campaigns == nil {
		campaigns = make(map[string]*Campaign)
	}
	return &Registry{campaigns: campaigns}
}

// Replace swaps in a new campaign set. The map is owned by the registry
// after the call; callers must not mutate it.
func (r *Registry) Replace(campaigns map[string]*Campaign) {
	if campaigns == nil {
		campaigns = make(map[string]*Campaign)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns = campaigns
}

// Get returns the campaign with the given id.
func (r *Registry) Get(id string) (*Campaign, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.campaigns[id]
	return c, ok
}

// List returns all campaigns ordered by id.
func (r *Registry) List() []*Campaign {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Campaign, 0, len(r.campaigns))
	for _, c := range r.campaigns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered campaigns.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.campaigns)
}

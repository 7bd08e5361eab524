package appserver

import "sync"

// ThreadOwner records which agent and instance a thread belongs to. The
// instance id clears when its process dies; the agent key persists so the
// thread stays resumable.
type ThreadOwner struct {
	AgentKey   string
	InstanceID string
}

// ThreadSessionManager maps thread ids to their owners.
type ThreadSessionManager struct {
	mu     sync.Mutex
	owners map[string]ThreadOwner
}

// NewThreadSessionManager creates an empty manager.
func NewThreadSessionManager() *ThreadSessionManager {
	return &ThreadSessionManager{owners: make(map[string]ThreadOwner)}
}

// Bind records ownership of a thread.
func (m *ThreadSessionManager) Bind(threadID, agentKey, instanceID string) {
	m.mu.Lock()
	m.owners[threadID] = ThreadOwner{AgentKey: agentKey, InstanceID: instanceID}
	m.mu.Unlock()
}

// Lookup returns the owner of a thread.
func (m *ThreadSessionManager) Lookup(threadID string) (ThreadOwner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.owners[threadID]
	return owner, ok
}

// ReleaseInstance clears the instance reference of every thread owned by
// the given instance. Called when an instance is evicted or dies.
func (m *ThreadSessionManager) ReleaseInstance(instanceID string) {
	m.mu.Lock()
	for threadID, owner := range m.owners {
		if owner.InstanceID == instanceID {
			owner.InstanceID = ""
			m.owners[threadID] = owner
		}
	}
	m.mu.Unlock()
}

// Remove forgets a thread entirely.
func (m *ThreadSessionManager) Remove(threadID string) {
	m.mu.Lock()
	delete(m.owners, threadID)
	m.mu.Unlock()
}

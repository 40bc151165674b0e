// idbridge.go maps client request IDs to native-engine request IDs. The two
// layers track the same turn under different identifiers, and cancellation
// must reach both.
package turn

import "sync"

// IDBridge is a bidirectional client<->native request ID mapping held only
// while a turn is in flight. Each ID maps to at most one counterpart.
type IDBridge struct {
	mu             sync.RWMutex
	clientToNative map[string]string
	nativeToClient map[string]string
}

// NewIDBridge creates an empty bridge.
func NewIDBridge() *IDBridge {
	return &IDBridge{
		clientToNative: make(map[string]string),
		nativeToClient: make(map[string]string),
	}
}

// Map registers the pairing, replacing any previous mapping for either ID.
func (b *IDBridge) Map(clientID, nativeID string) {
	if clientID == "" || nativeID == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Drop stale counterparts so neither side ends up double-mapped.
	if old, ok := b.clientToNative[clientID]; ok {
		delete(b.nativeToClient, old)
	}
	if old, ok := b.nativeToClient[nativeID]; ok {
		delete(b.clientToNative, old)
	}

	b.clientToNative[clientID] = nativeID
	b.nativeToClient[nativeID] = clientID
}

// NativeFor returns the native ID for a client ID, or "" if unmapped.
func (b *IDBridge) NativeFor(clientID string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.clientToNative[clientID]
}

// ClientFor returns the client ID for a native ID, or "" if unmapped.
func (b *IDBridge) ClientFor(nativeID string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nativeToClient[nativeID]
}

// Unmap removes both directions atomically. Idempotent: unmapping twice, or
// an ID that was never mapped, is a no-op.
func (b *IDBridge) Unmap(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	nativeID, ok := b.clientToNative[clientID]
	if !ok {
		return
	}
	delete(b.clientToNative, clientID)
	delete(b.nativeToClient, nativeID)
}

// Len returns the number of active mappings.
func (b *IDBridge) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clientToNative)
}

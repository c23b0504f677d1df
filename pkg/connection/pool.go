// Package connection keeps one gRPC client connection per remote member and
// hands it out to every caller talking to that member.
package connection

import (
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// ConnectionPoolManager manages the connections to the members of the grid,
// one per address.
type ConnectionPoolManager struct {
	mu       sync.RWMutex
	conns    map[string]*grpc.ClientConn
	dialOpts []grpc.DialOption
	closed   bool
}

// NewConnectionPoolManager creates a manager dialing with opts. Without
// options connections are made without transport security.
func NewConnectionPoolManager(opts ...grpc.DialOption) *ConnectionPoolManager {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &ConnectionPoolManager{
		conns:    make(map[string]*grpc.ClientConn),
		dialOpts: opts,
	}
}

// Get returns the connection to address, creating it on first use. A
// connection that was shut down is replaced.
func (m *ConnectionPoolManager) Get(address string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	conn, ok := m.conns[address]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("connection pool is closed")
	}
	if ok && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Double-check after acquiring write lock
	if conn, ok := m.conns[address]; ok && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}
	conn, err := grpc.NewClient(address, m.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}
	m.conns[address] = conn
	return conn, nil
}

// Evict closes and forgets the connection to address.
func (m *ConnectionPoolManager) Evict(address string) {
	m.mu.Lock()
	conn, ok := m.conns[address]
	delete(m.conns, address)
	m.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// Len is the number of open connections.
func (m *ConnectionPoolManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Close shuts down every connection. Get fails afterwards.
func (m *ConnectionPoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		_ = conn.Close()
	}
	m.conns = make(map[string]*grpc.ClientConn)
	m.closed = true
}

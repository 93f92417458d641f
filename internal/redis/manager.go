// Package redis manages the shared Redis connections.
package redis

import (
	"fmt"
	"sync"

	"github.com/redis/rueidis"
	"github.com/zionsgate/gatekeeper/internal/setup/config"
	"go.uber.org/zap"
)

// DedupeDBOffset is added to the ledger database index to get the database
// holding short-lived deduplication keys, so flushing one never touches the other.
const DedupeDBOffset = 1

// Manager hands out one rueidis client per database index.
type Manager struct {
	clients map[int]rueidis.Client
	config  *config.Redis
	logger  *zap.Logger
	mu      sync.Mutex
}

// NewManager creates a Manager. Clients are created lazily.
func NewManager(cfg *config.Redis, logger *zap.Logger) *Manager {
	return &Manager{
		clients: make(map[int]rueidis.Client),
		config:  cfg,
		logger:  logger.Named("redis"),
	}
}

// LedgerClient returns the client for the configured ledger database.
func (m *Manager) LedgerClient() (rueidis.Client, error) {
	return m.GetClient(m.config.DB)
}

// DedupeClient returns the client for deduplication keys.
func (m *Manager) DedupeClient() (rueidis.Client, error) {
	return m.GetClient(m.config.DB + DedupeDBOffset)
}

// Prefix is the key namespace of this deployment.
func (m *Manager) Prefix() string {
	return m.config.Prefix
}

// GetClient retrieves or creates the client for a database index.
func (m *Manager) GetClient(dbIndex int) (rueidis.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if client, exists := m.clients[dbIndex]; exists {
		return client, nil
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)},
		Username:    m.config.Username,
		Password:    m.config.Password,
		SelectDB:    dbIndex,
		ClientName:  "gatekeeper",
		// Ledger reads must observe writes from other instances immediately.
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis client for DB %d: %w", dbIndex, err)
	}

	m.clients[dbIndex] = client
	m.logger.Info("Created new Redis client", zap.Int("dbIndex", dbIndex))

	return client, nil
}

// Close shuts down every client. Safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for dbIndex, client := range m.clients {
		client.Close()
		delete(m.clients, dbIndex)
		m.logger.Info("Closed Redis client", zap.Int("dbIndex", dbIndex))
	}
}

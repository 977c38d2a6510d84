package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"engage_inbound/internal/entities"
	"engage_inbound/internal/interfaces"

	"github.com/rs/zerolog"
)

// ErrInstanceNotConnected is returned for media downloads on instances without a live session.
var ErrInstanceNotConnected = errors.New("instance not connected")

var unsafeInstanceChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

const deviceFilePrefix = "instance_"

// WhatsAppManager owns the raw sessions, one per instance, each with its own device store.
type WhatsAppManager struct {
	clients map[string]*WhatsAppClient
	mu      sync.RWMutex
	baseDir string
	handler PayloadHandler
	logger  zerolog.Logger
}

var _ interfaces.MediaDownloader = (*WhatsAppManager)(nil)

func NewWhatsAppManager(baseDir string, handler PayloadHandler, logger zerolog.Logger) *WhatsAppManager {
	logger = logger.With().Str("component", "whatsapp_manager").Logger()
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		logger.Warn().Err(err).Str("dir", baseDir).Msg("Could not create devices directory")
	}
	return &WhatsAppManager{
		clients: make(map[string]*WhatsAppClient),
		baseDir: baseDir,
		handler: handler,
		logger:  logger,
	}
}

// DevicePath is the sqlite device store used for an instance.
func (m *WhatsAppManager) DevicePath(instanceID string) string {
	return filepath.Join(m.baseDir, deviceFilePrefix+unsafeInstanceChars.ReplaceAllString(instanceID, "_")+".db")
}

func (m *WhatsAppManager) GetClient(instanceID string) *WhatsAppClient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[instanceID]
}

func (m *WhatsAppManager) GetOrCreateClient(ctx context.Context, instanceID string) (*WhatsAppClient, error) {
	if strings.TrimSpace(instanceID) == "" {
		return nil, fmt.Errorf("instance id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if client, exists := m.clients[instanceID]; exists {
		return client, nil
	}

	client, err := NewWhatsAppClient(ctx, m.DevicePath(instanceID), instanceID, m.handler, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create WhatsApp client for instance %s: %w", instanceID, err)
	}
	m.clients[instanceID] = client
	return client, nil
}

// ConnectClient connects the instance session, creating it when needed.
func (m *WhatsAppManager) ConnectClient(ctx context.Context, instanceID string) (*WhatsAppClient, error) {
	client, err := m.GetOrCreateClient(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if client.Client.IsConnected() {
		return client, nil
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect WhatsApp for instance %s: %w", instanceID, err)
	}
	return client, nil
}

func (m *WhatsAppManager) DisconnectClient(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if client, exists := m.clients[instanceID]; exists {
		client.Disconnect()
		delete(m.clients, instanceID)
	}
}

// LogoutClient unlinks the device. A missing or already logged out session is not an error.
func (m *WhatsAppManager) LogoutClient(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	client, exists := m.clients[instanceID]
	delete(m.clients, instanceID)
	m.mu.Unlock()

	if !exists || client == nil {
		return nil
	}
	if !client.IsLoggedIn() {
		client.Disconnect()
		return nil
	}
	return client.Logout(ctx)
}

// RestoreSessions reconnects every instance that has a device store on disk.
func (m *WhatsAppManager) RestoreSessions(ctx context.Context) []string {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Could not list device stores")
		return nil
	}
	var restored []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, deviceFilePrefix) || filepath.Ext(name) != ".db" {
			continue
		}
		instanceID := strings.TrimSuffix(strings.TrimPrefix(name, deviceFilePrefix), ".db")
		client, err := m.GetOrCreateClient(ctx, instanceID)
		if err != nil {
			m.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("Could not open device store")
			continue
		}
		if !client.IsLoggedIn() {
			continue
		}
		if err := client.Connect(ctx); err != nil {
			m.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("Could not restore session")
			continue
		}
		restored = append(restored, instanceID)
	}
	return restored
}

// ConnectedInstances lists instances with a logged in session.
func (m *WhatsAppManager) ConnectedInstances() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, client := range m.clients {
		if client.IsLoggedIn() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *WhatsAppManager) DownloadMedia(ctx context.Context, instanceID string, ref entities.MediaRef) (*entities.MediaBlob, error) {
	client := m.GetClient(instanceID)
	if client == nil || !client.IsConnected() {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotConnected, instanceID)
	}
	return client.DownloadMedia(ctx, ref)
}

// DisconnectAll disconnects every session, used at shutdown.
func (m *WhatsAppManager) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, client := range m.clients {
		client.Disconnect()
	}
	m.clients = make(map[string]*WhatsAppClient)
}

// FallbackDownloader tries each downloader in order and returns the first success.
type FallbackDownloader []interfaces.MediaDownloader

func (f FallbackDownloader) DownloadMedia(ctx context.Context, instanceID string, ref entities.MediaRef) (*entities.MediaBlob, error) {
	var errs []error
	for _, d := range f {
		if d == nil {
			continue
		}
		blob, err := d.DownloadMedia(ctx, instanceID, ref)
		if err == nil && blob != nil && len(blob.Data) > 0 {
			return blob, nil
		}
		if err == nil {
			err = errors.New("empty media body")
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, errors.New("no media downloader configured")
	}
	return nil, errors.Join(errs...)
}

package profile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shehryarbajwa/browserbot/internal/store"
	"github.com/shehryarbajwa/browserbot/pkg/models"
)

var (
	// ErrInvalidID is returned for ids that are not safe as directory names.
	ErrInvalidID = errors.New("invalid profile id")
	// ErrNotFound is returned when a profile does not exist.
	ErrNotFound = errors.New("profile not found")
	// ErrExists is returned when creating a profile whose id is taken.
	ErrExists = errors.New("profile already exists")
)

// Store is the persistence the manager needs.
type Store interface {
	CreateProfile(ctx context.Context, p models.Profile) error
	EnsureProfile(ctx context.Context, p models.Profile) error
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	ListProfiles(ctx context.Context) ([]models.Profile, error)
	DeleteProfile(ctx context.Context, id string) error
}

// Dirs are the on-disk locations owned by one profile.
type Dirs struct {
	Data      string
	Downloads string
}

// Manager maps profile ids to their registry entry and their on-disk state
type Manager struct {
	store         Store
	dataRoot      string
	downloadsRoot string
	known         sync.Map // profileID -> struct{}, ids already present in the store
}

// NewManager creates a profile manager rooted at the given directories
func NewManager(s Store, dataRoot, downloadsRoot string) (*Manager, error) {
	for _, dir := range []string{dataRoot, downloadsRoot} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	return &Manager{
		store:         s,
		dataRoot:      dataRoot,
		downloadsRoot: downloadsRoot,
	}, nil
}

// Create registers a new profile. An empty id gets a generated one and an empty name defaults to the id.
func (m *Manager) Create(ctx context.Context, req models.CreateProfileRequest) (*models.Profile, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.New().String()
	}
	if !models.ValidProfileID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if _, err := m.store.GetProfile(ctx, id); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = id
	}
	p := &models.Profile{ID: id, Name: name, CreatedAt: time.Now().UTC()}
	if err := m.store.CreateProfile(ctx, *p); err != nil {
		return nil, err
	}
	m.known.Store(id, struct{}{})
	return p, nil
}

// Ensure normalizes id and registers the profile on first use.
// An empty id resolves to the default profile.
func (m *Manager) Ensure(ctx context.Context, id string) (string, error) {
	id = models.NormalizeProfileID(id)
	if !models.ValidProfileID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if _, ok := m.known.Load(id); ok {
		return id, nil
	}
	if err := m.store.EnsureProfile(ctx, models.Profile{ID: id, Name: id, CreatedAt: time.Now().UTC()}); err != nil {
		return "", err
	}
	m.known.Store(id, struct{}{})
	return id, nil
}

// Get retrieves a profile by id
func (m *Manager) Get(ctx context.Context, id string) (*models.Profile, error) {
	if !models.ValidProfileID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	p, err := m.store.GetProfile(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, err
}

// List returns every registered profile
func (m *Manager) List(ctx context.Context) ([]models.Profile, error) {
	return m.store.ListProfiles(ctx)
}

// Delete removes a profile, its persisted browser state and its downloads.
// The caller must make sure the profile has no live browser.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if !models.ValidProfileID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if err := m.store.DeleteProfile(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	m.known.Delete(id)

	dirs := m.Paths(id)
	for _, dir := range []string{dirs.Data, dirs.Downloads} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to delete profile data: %w", err)
		}
	}
	return nil
}

// Paths returns the profile's directories without creating them
func (m *Manager) Paths(id string) Dirs {
	return Dirs{
		Data:      filepath.Join(m.dataRoot, id),
		Downloads: filepath.Join(m.downloadsRoot, id),
	}
}

// Prepare returns the profile's directories, creating both if absent
func (m *Manager) Prepare(id string) (Dirs, error) {
	if !models.ValidProfileID(id) {
		return Dirs{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	dirs := m.Paths(id)
	for _, dir := range []string{dirs.Data, dirs.Downloads} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return Dirs{}, fmt.Errorf("failed to create profile directory: %w", err)
		}
	}
	return dirs, nil
}

package keys

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/devbookhq/devbook-go/pkg/api/models"
	"github.com/devbookhq/devbook-go/pkg/consts"
)

// KeyPrefix is prepended to every generated key.
const KeyPrefix = "e2b_"

var ErrKeyNotFound = errors.New("api-key not found")

// Storage is an in-memory api-key store indexed by key and by ID.
type Storage struct {
	AdminKey string

	// mu serializes writes so a deleted key is never stored back.
	mu       sync.Mutex
	idxByKey sync.Map
	idxByID  sync.Map
}

// Init stores the admin key, generating one when AdminKey is empty.
func (k *Storage) Init(ctx context.Context) *models.CreatedTeamAPIKey {
	log := klog.FromContext(ctx)
	if k.AdminKey == "" {
		k.AdminKey = KeyPrefix + uuid.NewString()
		log.Info("no admin api-key configured, generated one", "adminApiKey", k.AdminKey)
	}
	admin := &models.CreatedTeamAPIKey{
		TeamAPIKey: models.TeamAPIKey{
			CreatedAt: time.Now(),
			ID:        uuid.New(),
			Mask:      models.MaskKey(KeyPrefix, k.AdminKey),
			Name:      "admin",
		},
		Key: k.AdminKey,
	}
	k.storeKey(admin)
	return admin
}

func (k *Storage) LoadByKey(key string) (*models.CreatedTeamAPIKey, bool) {
	value, ok := k.idxByKey.Load(key)
	if !ok {
		return nil, false
	}
	return value.(*models.CreatedTeamAPIKey), true
}

func (k *Storage) LoadByID(id string) (*models.CreatedTeamAPIKey, bool) {
	value, ok := k.idxByID.Load(id)
	if !ok {
		return nil, false
	}
	return value.(*models.CreatedTeamAPIKey), true
}

// Touch records that key was used now. It returns false when the key was deleted meanwhile.
func (k *Storage) Touch(key *models.CreatedTeamAPIKey) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	current, ok := k.LoadByKey(key.Key)
	if !ok {
		return false
	}
	now := time.Now()
	updated := *current
	updated.LastUsed = &now
	k.storeKeyLocked(&updated)
	return true
}

func (k *Storage) storeKey(apiKey *models.CreatedTeamAPIKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.storeKeyLocked(apiKey)
}

func (k *Storage) storeKeyLocked(apiKey *models.CreatedTeamAPIKey) {
	k.idxByKey.Store(apiKey.Key, apiKey)
	k.idxByID.Store(apiKey.ID.String(), apiKey)
}

func (k *Storage) CreateKey(ctx context.Context, user *models.CreatedTeamAPIKey, name string) (*models.CreatedTeamAPIKey, error) {
	log := klog.FromContext(ctx).WithValues("name", name).V(consts.DebugLogLevel)
	if name == "" || user == nil {
		return nil, errors.New("api-key name and user are required")
	}

	var newID uuid.UUID
	var newKey string
	for i := 0; i < 100; i++ {
		newID = uuid.New()
		newKey = KeyPrefix + uuid.NewString()
		_, ok1 := k.LoadByID(newID.String())
		_, ok2 := k.LoadByKey(newKey)
		if !ok1 && !ok2 {
			break
		}
	}

	apiKey := &models.CreatedTeamAPIKey{
		TeamAPIKey: models.TeamAPIKey{
			CreatedAt: time.Now(),
			ID:        newID,
			Mask:      models.MaskKey(KeyPrefix, newKey),
			Name:      name,
			CreatedBy: &models.TeamUser{ID: user.ID},
		},
		Key: newKey,
	}
	k.storeKey(apiKey)
	log.Info("api-key generated", "id", apiKey.ID)
	return apiKey, nil
}

func (k *Storage) DeleteKey(ctx context.Context, key *models.CreatedTeamAPIKey) error {
	if key == nil {
		return nil
	}
	k.mu.Lock()
	if _, ok := k.LoadByID(key.ID.String()); !ok {
		k.mu.Unlock()
		return ErrKeyNotFound
	}
	k.idxByKey.Delete(key.Key)
	k.idxByID.Delete(key.ID.String())
	k.mu.Unlock()
	klog.FromContext(ctx).V(consts.DebugLogLevel).Info("api-key deleted", "id", key.ID)
	return nil
}

// ListByOwner returns the keys that are owner itself or were created by it, oldest first.
func (k *Storage) ListByOwner(owner uuid.UUID) []*models.TeamAPIKey {
	result := []*models.TeamAPIKey{}
	k.idxByID.Range(func(_, value any) bool {
		apikey := value.(*models.CreatedTeamAPIKey)
		if apikey.ID == owner || (apikey.CreatedBy != nil && apikey.CreatedBy.ID == owner) {
			listed := apikey.TeamAPIKey
			result = append(result, &listed)
		}
		return true
	})
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"crosslend/native/lending"
	"crosslend/native/registry"
)

const (
	positionPrefix  = "lend/position/"
	userIndexPrefix = "lend/assets/"
	assetPrefix     = "registry/asset/"
	assetIndexKey   = "registry/index"
	noncePrefix     = "xchain/nonce/"
)

// StateStore persists positions, asset configs, and applied nonce watermarks
// as RLP records in the underlying key-value database. It backs the ledger,
// the registry, and the reconciler with one durable store.
type StateStore struct {
	db Database

	// mu serialises read-modify-write cycles on the index records.
	mu sync.Mutex
}

// NewStateStore wraps the database.
func NewStateStore(db Database) *StateStore {
	return &StateStore{db: db}
}

func positionKey(user, asset string) []byte {
	return []byte(positionPrefix + user + "/" + asset)
}

// GetPosition returns the stored position, or nil when none was ever written.
func (s *StateStore) GetPosition(user, asset string) (*lending.Position, error) {
	raw, err := s.db.Get(positionKey(user, asset))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	position := new(lending.Position)
	if err := rlp.DecodeBytes(raw, position); err != nil {
		return nil, fmt.Errorf("storage: decode position %s/%s: %w", user, asset, err)
	}
	return position, nil
}

// PutPosition writes the position and keeps the per-user asset index current.
func (s *StateStore) PutPosition(position *lending.Position) error {
	if position == nil || position.User == "" || position.Asset == "" {
		return fmt.Errorf("storage: position requires user and asset")
	}
	encoded, err := rlp.EncodeToBytes(position.Clone())
	if err != nil {
		return fmt.Errorf("storage: encode position: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Put(positionKey(position.User, position.Asset), encoded); err != nil {
		return err
	}
	return s.addToIndex(userIndexPrefix+position.User, position.Asset)
}

// ListPositions returns every position ever written for the user, zero
// balances included.
func (s *StateStore) ListPositions(user string) ([]*lending.Position, error) {
	assets, err := s.readIndex(userIndexPrefix + user)
	if err != nil {
		return nil, err
	}
	positions := make([]*lending.Position, 0, len(assets))
	for _, asset := range assets {
		position, err := s.GetPosition(user, asset)
		if err != nil {
			return nil, err
		}
		if position != nil {
			positions = append(positions, position)
		}
	}
	return positions, nil
}

// GetAsset returns the stored asset config, or nil when unknown.
func (s *StateStore) GetAsset(key string) (*registry.Asset, error) {
	raw, err := s.db.Get([]byte(assetPrefix + key))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	asset := new(registry.Asset)
	if err := rlp.DecodeBytes(raw, asset); err != nil {
		return nil, fmt.Errorf("storage: decode asset %s: %w", key, err)
	}
	return asset, nil
}

// PutAsset writes the asset config and keeps the asset index current.
func (s *StateStore) PutAsset(asset *registry.Asset) error {
	if asset == nil || asset.Key == "" {
		return fmt.Errorf("storage: asset requires a key")
	}
	encoded, err := rlp.EncodeToBytes(asset)
	if err != nil {
		return fmt.Errorf("storage: encode asset: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Put([]byte(assetPrefix+asset.Key), encoded); err != nil {
		return err
	}
	return s.addToIndex(assetIndexKey, asset.Key)
}

// ListAssets returns every stored asset config.
func (s *StateStore) ListAssets() ([]*registry.Asset, error) {
	keys, err := s.readIndex(assetIndexKey)
	if err != nil {
		return nil, err
	}
	assets := make([]*registry.Asset, 0, len(keys))
	for _, key := range keys {
		asset, err := s.GetAsset(key)
		if err != nil {
			return nil, err
		}
		if asset != nil {
			assets = append(assets, asset)
		}
	}
	return assets, nil
}

// GetWatermark returns the highest applied nonce for the source chain, zero
// when no message has been applied yet.
func (s *StateStore) GetWatermark(source string) (uint64, error) {
	raw, err := s.db.Get([]byte(noncePrefix + source))
	if errors.Is(err, ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var nonce uint64
	if err := rlp.DecodeBytes(raw, &nonce); err != nil {
		return 0, fmt.Errorf("storage: decode watermark %s: %w", source, err)
	}
	return nonce, nil
}

// SetWatermark records the highest applied nonce for the source chain.
func (s *StateStore) SetWatermark(source string, nonce uint64) error {
	encoded, err := rlp.EncodeToBytes(nonce)
	if err != nil {
		return fmt.Errorf("storage: encode watermark: %w", err)
	}
	return s.db.Put([]byte(noncePrefix+source), encoded)
}

// readIndex loads a sorted membership index. Absence means empty.
func (s *StateStore) readIndex(key string) ([]string, error) {
	raw, err := s.db.Get([]byte(key))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []string
	if err := rlp.DecodeBytes(raw, &entries); err != nil {
		return nil, fmt.Errorf("storage: decode index %s: %w", key, err)
	}
	return entries, nil
}

// addToIndex inserts the entry into the index if absent. Callers hold s.mu.
func (s *StateStore) addToIndex(key, entry string) error {
	entries, err := s.readIndex(key)
	if err != nil {
		return err
	}
	for _, existing := range entries {
		if existing == entry {
			return nil
		}
	}
	entries = append(entries, entry)
	sort.Strings(entries)
	encoded, err := rlp.EncodeToBytes(entries)
	if err != nil {
		return fmt.Errorf("storage: encode index %s: %w", key, err)
	}
	return s.db.Put([]byte(key), encoded)
}

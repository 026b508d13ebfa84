package signing

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/jannickheisch/tinyISP/common/types"
	"github.com/jannickheisch/tinyISP/log"
)

var (
	ErrUnknownKey = errors.New("signing: unknown feed key")

	identityKey = []byte("identity")
	keyPrefix   = []byte("key/")
)

// KeyStore keeps the private keys of every feed this node writes to: the
// root identity plus the control, data and client-to-client feeds created for
// contracts.
type KeyStore struct {
	logger *zap.Logger
	rand   io.Reader
	db     *leveldb.DB

	mu       sync.Mutex
	identity types.FeedID
	signers  map[types.FeedID]*EdSigner
}

// KeyStoreOpt configures a KeyStore.
type KeyStoreOpt func(*KeyStore)

// WithKeyStoreLogger sets the logger.
func WithKeyStoreLogger(logger *zap.Logger) KeyStoreOpt {
	return func(ks *KeyStore) {
		ks.logger = logger
	}
}

// WithKeyStoreRand sets the randomness new keys are generated from.
func WithKeyStoreRand(rand io.Reader) KeyStoreOpt {
	return func(ks *KeyStore) {
		ks.rand = rand
	}
}

// OpenKeyStore opens (or creates) the key database at path.
func OpenKeyStore(path string, opts ...KeyStoreOpt) (*KeyStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open key store %s: %w", path, err)
	}
	return newKeyStore(db, opts...)
}

// InMemoryKeyStore returns a key store that lives only in memory.
func InMemoryKeyStore(opts ...KeyStoreOpt) (*KeyStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open in-memory key store: %w", err)
	}
	return newKeyStore(db, opts...)
}

func newKeyStore(db *leveldb.DB, opts ...KeyStoreOpt) (*KeyStore, error) {
	ks := &KeyStore{
		logger:  zap.NewNop(),
		db:      db,
		signers: make(map[types.FeedID]*EdSigner),
	}
	for _, opt := range opts {
		opt(ks)
	}
	if err := ks.load(); err != nil {
		db.Close()
		return nil, err
	}
	return ks, nil
}

func (ks *KeyStore) load() error {
	iter := ks.db.NewIterator(util.BytesPrefix(keyPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		priv := make([]byte, len(iter.Value()))
		copy(priv, iter.Value())
		signer, err := NewEdSigner(WithPrivateKey(priv))
		if err != nil {
			return fmt.Errorf("load key %x: %w", iter.Key()[len(keyPrefix):], err)
		}
		ks.signers[signer.FeedID()] = signer
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate keys: %w", err)
	}

	id, err := ks.db.Get(identityKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		signer, err := ks.create()
		if err != nil {
			return err
		}
		if err := ks.db.Put(identityKey, signer.FeedID().Bytes(), &opt.WriteOptions{Sync: true}); err != nil {
			return fmt.Errorf("store identity: %w", err)
		}
		ks.identity = signer.FeedID()
		ks.logger.Info("created identity", log.ZFeed(ks.identity))
	case err != nil:
		return fmt.Errorf("read identity: %w", err)
	default:
		ks.identity = types.BytesToFeedID(id)
		if _, ok := ks.signers[ks.identity]; !ok {
			return fmt.Errorf("identity %s: %w", ks.identity.ShortString(), ErrUnknownKey)
		}
	}
	return nil
}

func (ks *KeyStore) create() (*EdSigner, error) {
	signer, err := NewEdSigner(WithKeyFromRand(ks.rand))
	if err != nil {
		return nil, err
	}
	fid := signer.FeedID()
	key := append(append([]byte{}, keyPrefix...), fid[:]...)
	if err := ks.db.Put(key, signer.PrivateKey(), &opt.WriteOptions{Sync: true}); err != nil {
		return nil, fmt.Errorf("store key %s: %w", fid.ShortString(), err)
	}
	ks.signers[fid] = signer
	return signer, nil
}

// CurrentIdentity returns the root feed id of this node.
func (ks *KeyStore) CurrentIdentity() types.FeedID {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.identity
}

// NewFeedIdentity generates and persists a key for a new feed.
func (ks *KeyStore) NewFeedIdentity() (types.FeedID, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	signer, err := ks.create()
	if err != nil {
		return types.EmptyFeedID, err
	}
	return signer.FeedID(), nil
}

// Has reports whether the private key of feed is known.
func (ks *KeyStore) Has(feed types.FeedID) bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	_, ok := ks.signers[feed]
	return ok
}

// Sign signs msg with the key of feed.
func (ks *KeyStore) Sign(feed types.FeedID, msg []byte) ([]byte, error) {
	ks.mu.Lock()
	signer, ok := ks.signers[feed]
	ks.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("sign for %s: %w", feed.ShortString(), ErrUnknownKey)
	}
	return signer.Sign(msg), nil
}

// Remove forgets the key of feed. The root identity cannot be removed.
func (ks *KeyStore) Remove(feed types.FeedID) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if feed == ks.identity {
		return errors.New("signing: refusing to remove identity key")
	}
	key := append(append([]byte{}, keyPrefix...), feed[:]...)
	if err := ks.db.Delete(key, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("delete key %s: %w", feed.ShortString(), err)
	}
	delete(ks.signers, feed)
	return nil
}

// Close closes the underlying database.
func (ks *KeyStore) Close() error {
	return ks.db.Close()
}

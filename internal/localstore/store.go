// Package localstore provides a lightweight GORM-based SQLite store for the
// state the buy flow must keep across process restarts: wallet session
// restoration data, deeplink session keys, pending purchase intents, the
// local purchase cache and the running total raised.
package localstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/kaleo-labs/presale-service/internal/models"
)

// InMemoryDSN creates an ephemeral in-memory SQLite database, used in tests.
const InMemoryDSN = ":memory:"

const dirPermissions = 0o750

// ErrNotFound is returned when a requested key has no stored value.
var ErrNotFound = errors.New("localstore: not found")

var gormConfig = &gorm.Config{
	Logger: logger.Default.LogMode(logger.Silent),
}

var schemaModels = []any{
	&connectionRow{},
	&deeplinkSessionRow{},
	&intentRow{},
	&purchaseRow{},
	&counterRow{},
}

// connectionRow persists the restorable address and provider name per family.
type connectionRow struct {
	Family       string `gorm:"primaryKey"`
	Address      string
	ProviderName string
	UpdatedAt    time.Time
}

// deeplinkSessionRow persists the session keypair, the wallet's encryption
// public key from the connect callback, and the wallet session token.
type deeplinkSessionRow struct {
	Family          string `gorm:"primaryKey"`
	PublicKey       []byte
	SecretKey       []byte
	WalletPublicKey []byte
	Token           string
	UpdatedAt       time.Time
}

// intentRow holds at most one pending purchase intent per family.
// Writing a second intent for the same family overwrites the first.
type intentRow struct {
	Family    string `gorm:"primaryKey"`
	Payload   string
	UpdatedAt time.Time
}

type purchaseRow struct {
	ID              int64 `gorm:"primaryKey;autoIncrement"`
	WalletAddress   string
	AmountSpent     string
	TokensReceived  string
	Stage           int
	PriceAtPurchase string
	TransactionID   string
	PaymentMethod   string
	CreatedAt       time.Time
}

type counterRow struct {
	Name      string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

const counterTotalRaised = "total_raised_eth"

// Store wraps a GORM client over the local SQLite database.
type Store struct {
	db *gorm.DB

	// serializes read-modify-write of the total raised counter
	totalMu sync.Mutex
}

// Open opens (or creates) the file-backed store in the given directory and
// migrates the schema.
func Open(dir, filename string) (*Store, error) {
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, errors.Wrap(err, "failed to create local store directory")
	}
	return open(filepath.Join(dir, filename))
}

// OpenInMemory opens an ephemeral store for tests.
func OpenInMemory() (*Store, error) {
	return open(InMemoryDSN)
}

func open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite database")
	}
	if err := db.AutoMigrate(schemaModels...); err != nil {
		return nil, errors.Wrap(err, "failed to migrate schema")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to access underlying connection")
	}
	return sqlDB.Close()
}

// ==================== Connection restoration ====================

// SaveConnection persists the restorable address and provider name.
func (s *Store) SaveConnection(family models.ChainFamily, address, providerName string) error {
	row := connectionRow{Family: string(family), Address: address, ProviderName: providerName}
	err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	return errors.Wrap(err, "failed to save connection")
}

// Connection returns the persisted address and provider name for a family.
func (s *Store) Connection(family models.ChainFamily) (address, providerName string, err error) {
	var row connectionRow
	if err := s.db.First(&row, "family = ?", string(family)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", ErrNotFound
		}
		return "", "", errors.Wrap(err, "failed to load connection")
	}
	return row.Address, row.ProviderName, nil
}

// ClearConnection removes the persisted connection for a family.
func (s *Store) ClearConnection(family models.ChainFamily) error {
	err := s.db.Delete(&connectionRow{}, "family = ?", string(family)).Error
	return errors.Wrap(err, "failed to clear connection")
}

// ==================== Deeplink session ====================

// SaveDeeplinkKeys persists the session keypair for a family.
func (s *Store) SaveDeeplinkKeys(family models.ChainFamily, publicKey, secretKey []byte) error {
	row := deeplinkSessionRow{Family: string(family), PublicKey: publicKey, SecretKey: secretKey}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "family"}},
		DoUpdates: clause.AssignmentColumns([]string{"public_key", "secret_key", "updated_at"}),
	}).Create(&row).Error
	return errors.Wrap(err, "failed to save deeplink keys")
}

// DeeplinkKeys returns the persisted session keypair for a family.
func (s *Store) DeeplinkKeys(family models.ChainFamily) (publicKey, secretKey []byte, err error) {
	var row deeplinkSessionRow
	if err := s.db.First(&row, "family = ?", string(family)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, errors.Wrap(err, "failed to load deeplink keys")
	}
	if len(row.PublicKey) == 0 || len(row.SecretKey) == 0 {
		return nil, nil, ErrNotFound
	}
	return row.PublicKey, row.SecretKey, nil
}

// SaveWalletPublicKey persists the wallet's encryption public key.
func (s *Store) SaveWalletPublicKey(family models.ChainFamily, key []byte) error {
	err := s.db.Model(&deeplinkSessionRow{}).
		Where("family = ?", string(family)).
		Update("wallet_public_key", key).Error
	return errors.Wrap(err, "failed to save wallet public key")
}

// WalletPublicKey returns the wallet's encryption public key for a family.
func (s *Store) WalletPublicKey(family models.ChainFamily) ([]byte, error) {
	var row deeplinkSessionRow
	if err := s.db.First(&row, "family = ?", string(family)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to load wallet public key")
	}
	if len(row.WalletPublicKey) == 0 {
		return nil, ErrNotFound
	}
	return row.WalletPublicKey, nil
}

// SaveSessionToken persists the wallet-issued session token for a family.
func (s *Store) SaveSessionToken(family models.ChainFamily, token string) error {
	err := s.db.Model(&deeplinkSessionRow{}).
		Where("family = ?", string(family)).
		Update("token", token).Error
	return errors.Wrap(err, "failed to save session token")
}

// SessionToken returns the wallet-issued session token for a family.
func (s *Store) SessionToken(family models.ChainFamily) (string, error) {
	var row deeplinkSessionRow
	if err := s.db.First(&row, "family = ?", string(family)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", errors.Wrap(err, "failed to load session token")
	}
	if row.Token == "" {
		return "", ErrNotFound
	}
	return row.Token, nil
}

// ClearDeeplinkSession removes keys and token for a family.
func (s *Store) ClearDeeplinkSession(family models.ChainFamily) error {
	err := s.db.Delete(&deeplinkSessionRow{}, "family = ?", string(family)).Error
	return errors.Wrap(err, "failed to clear deeplink session")
}

// ==================== Pending purchase intents ====================

// PutIntent stores a pending purchase intent, overwriting any intent already
// held for the same chain family.
func (s *Store) PutIntent(intent models.PendingPurchaseIntent) error {
	payload, err := json.Marshal(intent)
	if err != nil {
		return errors.Wrap(err, "failed to encode intent")
	}
	row := intentRow{Family: string(intent.ChainFamily), Payload: string(payload)}
	err = s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	return errors.Wrap(err, "failed to store intent")
}

// Intent returns the pending intent for a family, or ErrNotFound.
func (s *Store) Intent(family models.ChainFamily) (*models.PendingPurchaseIntent, error) {
	var row intentRow
	if err := s.db.First(&row, "family = ?", string(family)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to load intent")
	}
	var intent models.PendingPurchaseIntent
	if err := json.Unmarshal([]byte(row.Payload), &intent); err != nil {
		return nil, errors.Wrap(err, "failed to decode intent")
	}
	return &intent, nil
}

// DeleteIntent removes the pending intent for a family.
func (s *Store) DeleteIntent(family models.ChainFamily) error {
	err := s.db.Delete(&intentRow{}, "family = ?", string(family)).Error
	return errors.Wrap(err, "failed to delete intent")
}

// ==================== Purchase cache ====================

// AppendPurchase appends a purchase record to the local cache.
func (s *Store) AppendPurchase(rec *models.PurchaseRecord) error {
	row := purchaseRow{
		WalletAddress:   rec.WalletAddress,
		AmountSpent:     rec.AmountSpent.String(),
		TokensReceived:  rec.TokensReceived.String(),
		Stage:           rec.Stage,
		PriceAtPurchase: rec.PriceAtPurchase.String(),
		TransactionID:   rec.TransactionID,
		PaymentMethod:   string(rec.PaymentMethod),
		CreatedAt:       rec.CreatedAt,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return errors.Wrap(err, "failed to append purchase")
	}
	rec.ID = row.ID
	return nil
}

// HasTransaction reports whether a purchase with the transaction id is
// already on record.
func (s *Store) HasTransaction(txID string) (bool, error) {
	var n int64
	if err := s.db.Model(&purchaseRow{}).Where("transaction_id = ?", txID).Count(&n).Error; err != nil {
		return false, errors.Wrap(err, "failed to count purchases")
	}
	return n > 0, nil
}

// Purchases returns all locally cached purchase records, oldest first.
func (s *Store) Purchases() ([]models.PurchaseRecord, error) {
	return s.selectPurchases(s.db.Order("id ASC"))
}

// PurchasesByAddress returns locally cached purchases for a wallet address.
func (s *Store) PurchasesByAddress(address string) ([]models.PurchaseRecord, error) {
	return s.selectPurchases(s.db.Where("wallet_address = ?", address).Order("id ASC"))
}

func (s *Store) selectPurchases(tx *gorm.DB) ([]models.PurchaseRecord, error) {
	var rows []purchaseRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to load purchases")
	}
	records := make([]models.PurchaseRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (row purchaseRow) toRecord() (models.PurchaseRecord, error) {
	amount, err := decimal.NewFromString(row.AmountSpent)
	if err != nil {
		return models.PurchaseRecord{}, errors.Wrapf(err, "purchase %d: bad amount", row.ID)
	}
	tokens, err := decimal.NewFromString(row.TokensReceived)
	if err != nil {
		return models.PurchaseRecord{}, errors.Wrapf(err, "purchase %d: bad tokens", row.ID)
	}
	price, err := decimal.NewFromString(row.PriceAtPurchase)
	if err != nil {
		return models.PurchaseRecord{}, errors.Wrapf(err, "purchase %d: bad price", row.ID)
	}
	return models.PurchaseRecord{
		ID:              row.ID,
		WalletAddress:   row.WalletAddress,
		AmountSpent:     amount,
		TokensReceived:  tokens,
		Stage:           row.Stage,
		PriceAtPurchase: price,
		TransactionID:   row.TransactionID,
		PaymentMethod:   models.PaymentMethod(row.PaymentMethod),
		CreatedAt:       row.CreatedAt,
	}, nil
}

// ==================== Total raised ====================

// AddToTotalRaised increases the persisted total (in ETH) by delta and
// returns the new value. The counter only ever grows.
func (s *Store) AddToTotalRaised(delta decimal.Decimal) (decimal.Decimal, error) {
	s.totalMu.Lock()
	defer s.totalMu.Unlock()

	current, err := s.totalRaisedLocked()
	if err != nil {
		return decimal.Zero, err
	}
	next := current.Add(delta)
	row := counterRow{Name: counterTotalRaised, Value: next.String()}
	if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to store total raised")
	}
	return next, nil
}

// TotalRaised returns the persisted total raised (in ETH).
func (s *Store) TotalRaised() (decimal.Decimal, error) {
	s.totalMu.Lock()
	defer s.totalMu.Unlock()
	return s.totalRaisedLocked()
}

func (s *Store) totalRaisedLocked() (decimal.Decimal, error) {
	var row counterRow
	err := s.db.First(&row, "name = ?", counterTotalRaised).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to load total raised")
	}
	value, err := decimal.NewFromString(row.Value)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "corrupt total raised counter")
	}
	return value, nil
}

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"asset_market/internal/domain"
	"asset_market/internal/event"
	"asset_market/internal/market"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage persists committed listings, sales and notifications.
type Storage struct {
	db   *gorm.DB
	path string
}

var _ market.Journal = (*Storage)(nil)

// NewStorage opens (or creates) the SQLite journal at path. An empty path
// resolves to the per-user data directory.
func NewStorage(path string) (*Storage, error) {
	if path == "" {
		p, err := getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
		path = p
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return &Storage{db: db, path: path}, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&domain.ListingRecord{}, &domain.SaleRecord{}, &domain.EventRecord{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "AssetMarket", "data", "market.db"), nil
}

// Path returns the resolved database file.
func (s *Storage) Path() string { return s.path }

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Journal
// ======================================================================================

// RecordListing writes the new listing and its Offered notification in one transaction.
func (s *Storage) RecordListing(l domain.Listing, ev *event.Offered) error {
	rec := domain.NewListingRecord(l)
	evRec, err := newEventRecord(ev)
	if err != nil {
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("insert listing %d: %w", l.ID, err)
		}
		if err := tx.Create(&evRec).Error; err != nil {
			return fmt.Errorf("insert event %d: %w", evRec.Seq, err)
		}
		return nil
	})
}

// RecordSale flips the listing to sold and writes the sale and its Bought
// notification in one transaction.
func (s *Storage) RecordSale(r domain.Receipt, ev *event.Bought) error {
	sale := domain.NewSaleRecord(r)
	evRec, err := newEventRecord(ev)
	if err != nil {
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.ListingRecord{}).
			Where("id = ? AND sold = ?", r.ListingID, false).
			Update("sold", true)
		if res.Error != nil {
			return fmt.Errorf("mark listing %d sold: %w", r.ListingID, res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("mark listing %d sold: no open listing row", r.ListingID)
		}
		if err := tx.Create(&sale).Error; err != nil {
			return fmt.Errorf("insert sale %d: %w", r.ListingID, err)
		}
		if err := tx.Create(&evRec).Error; err != nil {
			return fmt.Errorf("insert event %d: %w", evRec.Seq, err)
		}
		return nil
	})
}

func newEventRecord(ev event.Event) (domain.EventRecord, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return domain.EventRecord{}, fmt.Errorf("encode %s event: %w", ev.GetType(), err)
	}
	return domain.EventRecord{
		Seq:       ev.GetSeq(),
		Type:      string(ev.GetType()),
		ListingID: ev.GetListingID(),
		Payload:   string(payload),
	}, nil
}

// ======================================================================================
// Queries
// ======================================================================================

// Listings returns every persisted listing ordered by id.
func (s *Storage) Listings() ([]domain.Listing, error) {
	var recs []domain.ListingRecord
	if err := s.db.Order("id").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Listing, 0, len(recs))
	for _, r := range recs {
		out = append(out, domain.ListingFromRecord(r))
	}
	return out, nil
}

// GetSale retrieves the sale of a listing, nil when it has not sold.
func (s *Storage) GetSale(listingID uint64) (*domain.SaleRecord, error) {
	var sale domain.SaleRecord
	err := s.db.First(&sale, "listing_id = ?", listingID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

// SalesByBuyer returns the sales settled to buyer ordered by listing id.
func (s *Storage) SalesByBuyer(buyer domain.Address) ([]domain.SaleRecord, error) {
	var sales []domain.SaleRecord
	err := s.db.Where("buyer = ?", string(buyer)).Order("listing_id").Find(&sales).Error
	return sales, err
}

// EventsSince returns journaled notifications with seq greater than after.
func (s *Storage) EventsSince(after uint64) ([]domain.EventRecord, error) {
	var recs []domain.EventRecord
	err := s.db.Where("seq > ?", after).Order("seq").Find(&recs).Error
	return recs, err
}

// LastSeq returns the highest journaled event sequence, 0 when empty.
func (s *Storage) LastSeq() (uint64, error) {
	var last uint64
	err := s.db.Model(&domain.EventRecord{}).Select("COALESCE(MAX(seq), 0)").Scan(&last).Error
	return last, err
}

// IsEmpty reports whether nothing has been journaled yet.
func (s *Storage) IsEmpty() (bool, error) {
	var listings, events int64
	if err := s.db.Model(&domain.ListingRecord{}).Count(&listings).Error; err != nil {
		return false, err
	}
	if err := s.db.Model(&domain.EventRecord{}).Count(&events).Error; err != nil {
		return false, err
	}
	return listings == 0 && events == 0, nil
}

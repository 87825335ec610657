package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const bucketName = "receipts"

// ErrNotFound is returned when a receipt or its file does not exist.
var ErrNotFound = errors.New("not found")

// DB defines the interface for database operations
type DB interface {
	// SaveReceipt inserts or replaces a receipt
	SaveReceipt(receipt *Receipt) error

	// GetReceipt retrieves a receipt by ID
	GetReceipt(id string) (*Receipt, error)

	// ListReceipts returns all receipts, newest receipt date first
	ListReceipts() ([]*Receipt, error)

	// DeleteReceipt removes a receipt from the database
	DeleteReceipt(id string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// SaveReceipt inserts or replaces a receipt
func (b *BoltDB) SaveReceipt(receipt *Receipt) error {
	if receipt.ID == "" {
		return errors.New("receipt has no ID")
	}
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshaling receipt: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(receipt.ID), data)
	})
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(id string) (*Receipt, error) {
	var receipt Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketName)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("receipt %s: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &receipt); err != nil {
			return fmt.Errorf("unmarshaling receipt: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// ListReceipts returns all receipts, newest receipt date first. Receipts on
// the same date are ordered by creation time, newest first.
func (b *BoltDB) ListReceipts() ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).ForEach(func(k, v []byte) error {
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt %s: %w", k, err)
			}
			receipts = append(receipts, &receipt)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(receipts, func(i, j int) bool {
		if !receipts[i].Date.Equal(receipts[j].Date) {
			return receipts[i].Date.After(receipts[j].Date)
		}
		return receipts[i].CreatedAt.After(receipts[j].CreatedAt)
	})
	return receipts, nil
}

// DeleteReceipt removes a receipt from the database. Deleting an unknown ID
// is not an error.
func (b *BoltDB) DeleteReceipt(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(id))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// Package assetbook holds the active room's asset book and serves RFID lookups
// for the reconciliation engine.
package assetbook

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/rfidinv/internal/reconcile"
	"gopkg.in/yaml.v3"
)

// Book is the on-disk asset book of one room.
type Book struct {
	RoomID string            `yaml:"room_id"`
	UnitID string            `yaml:"unit_id"`
	Assets []reconcile.Asset `yaml:"assets"`
}

type tables struct {
	byRFID *hashmap.Map[string, reconcile.Asset]
	byID   *hashmap.Map[string, reconcile.Asset]
}

// Index is safe for concurrent lookups while a new book is loaded; readers see
// either the old book or the new one.
type Index struct {
	logger  *logrus.Logger
	current atomic.Pointer[tables]
}

func New(logger *logrus.Logger) *Index {
	if logger == nil {
		logger = logrus.New()
	}
	idx := &Index{logger: logger}
	idx.current.Store(&tables{
		byRFID: hashmap.New[string, reconcile.Asset](),
		byID:   hashmap.New[string, reconcile.Asset](),
	})
	return idx
}

// Load replaces the book. Assets without an id are skipped; assets with a missing
// or malformed RFID are kept for reporting but cannot be matched by scanning.
// A tag claimed by two assets stays with the first.
func (x *Index) Load(assets []reconcile.Asset) (indexed int, skipped int) {
	next := &tables{
		byRFID: hashmap.New[string, reconcile.Asset](),
		byID:   hashmap.New[string, reconcile.Asset](),
	}

	for _, a := range assets {
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			skipped++
			continue
		}
		a.Type = reconcile.ParseAssetType(string(a.Type))
		a.RFID = strings.ToUpper(strings.TrimSpace(a.RFID))

		if _, dup := next.byID.Get(a.ID); dup {
			x.logger.WithField("asset", a.ID).Warn("Duplicate asset id in book, keeping first")
			skipped++
			continue
		}
		next.byID.Set(a.ID, a)

		if a.RFID == "" {
			continue
		}
		if !reconcile.ValidTag(a.RFID) {
			x.logger.WithFields(logrus.Fields{
				"asset": a.ID,
				"rfid":  a.RFID,
			}).Warn("Asset has malformed RFID, it will not match scans")
			continue
		}
		if _, loaded := next.byRFID.GetOrInsert(a.RFID, a); loaded {
			x.logger.WithFields(logrus.Fields{
				"asset": a.ID,
				"rfid":  a.RFID,
			}).Warn("RFID already assigned to another asset")
			continue
		}
		indexed++
	}

	x.current.Store(next)
	x.logger.WithFields(logrus.Fields{
		"assets":  next.byID.Len(),
		"indexed": indexed,
		"skipped": skipped,
	}).Info("Asset book loaded")
	return indexed, skipped
}

// ByRFID implements reconcile.AssetIndex.
func (x *Index) ByRFID(tag string) (reconcile.Asset, bool) {
	return x.current.Load().byRFID.Get(tag)
}

func (x *Index) ByID(id string) (reconcile.Asset, bool) {
	return x.current.Load().byID.Get(id)
}

// All returns every asset sorted by id.
func (x *Index) All() []reconcile.Asset {
	t := x.current.Load()
	out := make([]reconcile.Asset, 0, t.byID.Len())
	t.byID.Range(func(_ string, a reconcile.Asset) bool {
		out = append(out, a)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (x *Index) Len() int {
	return x.current.Load().byID.Len()
}

// ReadBook parses a YAML (or JSON) asset book.
func ReadBook(path string) (*Book, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read asset book: %w", err)
	}
	var book Book
	if err := yaml.Unmarshal(data, &book); err != nil {
		return nil, fmt.Errorf("parse asset book %s: %w", path, err)
	}
	return &book, nil
}

// LoadFile reads path and replaces the index contents with it.
func (x *Index) LoadFile(path string) (*Book, error) {
	book, err := ReadBook(path)
	if err != nil {
		return nil, err
	}
	x.Load(book.Assets)
	return book, nil
}

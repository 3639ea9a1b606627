// Package reconcile turns raw tag reads into inventory facts: per-asset result
// entries for the current room and a classification of everything that did not
// match locally.
package reconcile

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var tagPattern = regexp.MustCompile(`^E2[0-9A-F]{22}$`)

// ValidTag reports whether tag is a 24 character uppercase hex EPC starting with E2.
func ValidTag(tag string) bool {
	return tagPattern.MatchString(tag)
}

// AssetType decides how scanning affects quantity.
type AssetType string

const (
	AssetFixed     AssetType = "fixed"
	AssetTool      AssetType = "tool"
	AssetEquipment AssetType = "equipment"
)

// ParseAssetType maps free-form book values onto AssetType. Unknown values are fixed assets.
func ParseAssetType(s string) AssetType {
	switch AssetType(strings.ToLower(strings.TrimSpace(s))) {
	case AssetTool, "tools":
		return AssetTool
	case AssetEquipment:
		return AssetEquipment
	default:
		return AssetFixed
	}
}

// Asset is one entry of a room's asset book.
type Asset struct {
	ID             string    `json:"id" yaml:"id"`
	Name           string    `json:"name,omitempty" yaml:"name"`
	RFID           string    `json:"rfid,omitempty" yaml:"rfid"`
	Type           AssetType `json:"type,omitempty" yaml:"type"`
	SystemQuantity int       `json:"system_quantity" yaml:"system_quantity"`
	RoomID         string    `json:"room_id,omitempty" yaml:"room_id"`
}

// Status of a result entry.
type Status string

const (
	StatusMatched Status = "MATCHED"
	StatusMissing Status = "MISSING"
	StatusExcess  Status = "EXCESS"
)

// DeriveStatus compares the counted quantity with the book quantity.
// Zero counted against zero expected is MISSING: nothing was confirmed.
func DeriveStatus(counted, system int) Status {
	switch {
	case counted > system:
		return StatusExcess
	case counted == system && counted > 0:
		return StatusMatched
	default:
		return StatusMissing
	}
}

// ScanMethod records how an entry's quantity was last set.
type ScanMethod string

const (
	ScanRFID   ScanMethod = "rfid"
	ScanManual ScanMethod = "manual"
)

// ResultEntry is the inventory outcome for one asset.
type ResultEntry struct {
	AssetID        string     `json:"asset_id"`
	Quantity       int        `json:"quantity"`
	SystemQuantity int        `json:"system_quantity"`
	Status         Status     `json:"status"`
	ScanMethod     ScanMethod `json:"scan_method"`
	UpdatedAt      time.Time  `json:"updated_at"`
	AssetType      AssetType  `json:"asset_type,omitempty"`
}

// InvalidQuantityError is returned by SetQuantity for values the asset type cannot hold.
type InvalidQuantityError struct {
	AssetID  string
	Type     AssetType
	Quantity int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("invalid quantity %d for %s asset %q", e.Quantity, e.Type, e.AssetID)
}

// Package expiry classifies batches by time to expiry and orders stock for shipping.
package expiry

import (
	"sort"
	"time"

	"github.com/medflow/provenance-backend/internal/provenance/domain"
)

// Bucket is a time-to-expiry class.
type Bucket string

const (
	BucketExpired  Bucket = "expired"
	BucketCritical Bucket = "critical"
	BucketWarning  Bucket = "warning"
	BucketCaution  Bucket = "caution"
	// BucketNone covers everything expiring after the caution window.
	BucketNone Bucket = ""
)

const day = 24 * time.Hour

// Window edges relative to now. Each bucket includes its upper edge.
const (
	CriticalWindow = 30 * day
	WarningWindow  = 60 * day
	CautionWindow  = 90 * day
)

// Classify places an expiry date relative to now.
func Classify(now, expiresAt time.Time) Bucket {
	switch {
	case expiresAt.Before(now):
		return BucketExpired
	case !expiresAt.After(now.Add(CriticalWindow)):
		return BucketCritical
	case !expiresAt.After(now.Add(WarningWindow)):
		return BucketWarning
	case !expiresAt.After(now.Add(CautionWindow)):
		return BucketCaution
	default:
		return BucketNone
	}
}

// Item is the heatmap view of one batch.
type Item struct {
	BatchID     string        `json:"batch_id"`
	ProductID   string        `json:"product_id"`
	ProductName string        `json:"product_name,omitempty"`
	Status      domain.Status `json:"status"`
	ExpiryDate  time.Time     `json:"expiry_date"`
}

// Heatmap groups batches by bucket. Slices are never nil so they encode as [].
type Heatmap struct {
	GeneratedAt time.Time `json:"generated_at"`
	Expired     []Item    `json:"expired"`
	Critical    []Item    `json:"critical"`
	Warning     []Item    `json:"warning"`
	Caution     []Item    `json:"caution"`
}

// BuildHeatmap classifies batches at now. Shipped batches only ever show up as expired.
func BuildHeatmap(now time.Time, batches []*domain.Batch) Heatmap {
	h := Heatmap{
		GeneratedAt: now,
		Expired:     []Item{},
		Critical:    []Item{},
		Warning:     []Item{},
		Caution:     []Item{},
	}

	for _, b := range batches {
		bucket := Classify(now, b.ExpiryDate)
		if bucket != BucketExpired && b.Status == domain.StatusShipped {
			continue
		}

		item := Item{
			BatchID:     b.BatchID,
			ProductID:   b.ProductID,
			ProductName: b.ProductName,
			Status:      b.Status,
			ExpiryDate:  b.ExpiryDate,
		}

		switch bucket {
		case BucketExpired:
			h.Expired = append(h.Expired, item)
		case BucketCritical:
			h.Critical = append(h.Critical, item)
		case BucketWarning:
			h.Warning = append(h.Warning, item)
		case BucketCaution:
			h.Caution = append(h.Caution, item)
		}
	}
	return h
}

// SuggestFEFO returns the released, unexpired batches of productID, soonest
// expiry first. Ties keep the order of the input slice.
func SuggestFEFO(now time.Time, productID string, batches []*domain.Batch) []*domain.Batch {
	out := make([]*domain.Batch, 0, len(batches))
	for _, b := range batches {
		if b.ProductID != productID || b.Status != domain.StatusReleased {
			continue
		}
		if b.ExpiryDate.Before(now) {
			continue
		}
		out = append(out, b)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExpiryDate.Before(out[j].ExpiryDate)
	})
	return out
}

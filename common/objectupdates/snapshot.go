package objectupdates

import (
	"time"

	"github.com/openrepo/editsync/common/models"
	"github.com/tiendc/go-deepcopy"
)

// Snapshot is the merged view of a resource's fields as seen by subscribers
type Snapshot struct {
	URL            string               `json:"url"`
	Updates        []models.FieldUpdate `json:"updates"`
	LastModified   time.Time            `json:"lastModified"`
	State          State                `json:"state"`
	HasUpdates     bool                 `json:"hasUpdates"`
	IsReinstatable bool                 `json:"isReinstatable"`
}

// Field returns the merged update for a field id
func (s Snapshot) Field(id string) (models.FieldUpdate, bool) {
	for _, u := range s.Updates {
		if u.Field.UUID == id {
			return u, true
		}
	}
	return models.FieldUpdate{}, false
}

// discarded holds what was pending right before a discard
type discarded struct {
	updates models.FieldUpdates
	order   []string
	seqs    map[string]uint64
	at      time.Time
}

func copyUpdates(src models.FieldUpdates) (models.FieldUpdates, error) {
	dst := make(models.FieldUpdates, len(src))
	if err := deepcopy.Copy(&dst, &src); err != nil {
		return nil, err
	}
	return dst, nil
}

package notify

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/openrepo/editsync/common/logger"
	"github.com/openrepo/editsync/common/models"
	"github.com/openrepo/editsync/common/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_PublishesToQueue(t *testing.T) {
	q := queue.NewMemoryQueue(logger.Discard())
	defer q.Close()

	received := make(chan models.Notification, 1)
	require.NoError(t, q.Subscribe(context.Background(), Topic, func(_ context.Context, key string, value []byte) error {
		note, err := Decode(value)
		if err != nil {
			return err
		}
		assert.Equal(t, "/eperson/groups/g1", key)
		received <- note
		return nil
	}))

	n := New(q, logger.Discard(), nil)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	sent := n.Success(context.Background(), "/eperson/groups/g1", "Group saved", "testGroupName")

	_, err := ulid.ParseStrict(sent.ID)
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, sent, got)
		assert.Equal(t, models.NotificationSuccess, got.Type)
		assert.Equal(t, fixed, got.CreatedAt)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestNotifier_WithoutQueue(t *testing.T) {
	n := New(nil, logger.Discard(), nil)

	note := n.Error(context.Background(), "/core/items/i1", "Save failed", "422")
	assert.Equal(t, models.NotificationError, note.Type)
	assert.NotEmpty(t, note.ID)

	assert.Equal(t, models.NotificationWarning, n.Warning(context.Background(), "/x", "w", "").Type)
	assert.Equal(t, models.NotificationInfo, n.Info(context.Background(), "/x", "i", "").Type)
}

func TestNotifier_IDsAreUnique(t *testing.T) {
	n := New(nil, logger.Discard(), nil)
	a := n.Info(context.Background(), "/x", "a", "")
	b := n.Info(context.Background(), "/x", "b", "")
	assert.NotEqual(t, a.ID, b.ID)
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode([]byte("{"))
	assert.Error(t, err)
}

package pipeline

import (
	"better-dev-go/internal/model"
	"better-dev-go/pkg/tasks"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequeuePendingDispatchesOnlyPending(t *testing.T) {
	store := newMemStore(
		&model.Attachment{ID: "a", Status: model.ExtractionPending},
		&model.Attachment{ID: "b", Status: model.ExtractionSuccess},
		&model.Attachment{ID: "c", Status: model.ExtractionPending},
		&model.Attachment{ID: "d", Status: model.ExtractionFailed},
	)
	q := tasks.NewLocalQueue(1, 8)

	n, err := RequeuePending(context.Background(), store, q, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, q.Len())
}

func TestRequeuePendingSkipsFullQueue(t *testing.T) {
	store := newMemStore(
		&model.Attachment{ID: "a", Status: model.ExtractionPending},
		&model.Attachment{ID: "b", Status: model.ExtractionPending},
		&model.Attachment{ID: "c", Status: model.ExtractionPending},
	)
	q := tasks.NewLocalQueue(1, 2)

	n, err := RequeuePending(context.Background(), store, q, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

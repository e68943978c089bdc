package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategoryOf(t *testing.T) {
	cases := []struct {
		mime string
		want ContentCategory
	}{
		{"image/png", CategoryImage},
		{"IMAGE/JPEG", CategoryImage},
		{"text/plain; charset=utf-8", CategoryDocument},
		{"application/pdf", CategoryDocument},
		{"application/rtf", CategoryDocument},
		{"application/vnd.openxmlformats-officedocument.presentationml.presentation", CategoryDocument},
		{"application/zip", CategoryOther},
		{"", CategoryOther},
	}
	for _, tc := range cases {
		t.Run(tc.mime, func(t *testing.T) {
			assert.Equal(t, tc.want, CategoryOf(tc.mime))
		})
	}
}

func TestExtractionStatusTransitions(t *testing.T) {
	assert.True(t, ExtractionPending.CanTransitionTo(ExtractionProcessing))
	assert.True(t, ExtractionPending.CanTransitionTo(ExtractionFailed))
	assert.True(t, ExtractionProcessing.CanTransitionTo(ExtractionSuccess))
	assert.False(t, ExtractionProcessing.CanTransitionTo(ExtractionPending))
	assert.False(t, ExtractionSuccess.CanTransitionTo(ExtractionFailed))
	assert.True(t, ExtractionFailed.IsTerminal())
}

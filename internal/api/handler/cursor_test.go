package handler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcfax/faxpipe/internal/api/storage"
)

func TestFaxJobCursorRoundTrip(t *testing.T) {
	original := &storage.FaxJobCursor{
		CreatedAt: time.Date(2025, 6, 12, 9, 30, 0, 123456789, time.UTC),
		JobID:     "0d4f2c1a-7b3e-4a4f-9c2d-8e1f6a5b4c3d",
	}

	encoded, err := EncodeFaxJobCursor(original)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	decoded, err := DecodeFaxJobCursor(encoded)
	require.NoError(t, err)
	assert.True(t, original.CreatedAt.Equal(decoded.CreatedAt))
	assert.Equal(t, original.JobID, decoded.JobID)
}

func TestDecodeFaxJobCursor(t *testing.T) {
	tests := []struct {
		name    string
		cursor  string
		wantErr bool
		wantNil bool
	}{
		{name: "empty cursor means first page", cursor: "", wantNil: true},
		{name: "not base64", cursor: "!!!", wantErr: true},
		{name: "wrong field count", cursor: "bm90LWEtY3Vyc29y", wantErr: true}, // "not-a-cursor"
		{name: "non-numeric timestamp", cursor: "YWJjfGpvYi0x", wantErr: true}, // "abc|job-1"
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cursor, err := DecodeFaxJobCursor(tt.cursor)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, cursor)
			}
		})
	}
}

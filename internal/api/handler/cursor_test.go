package handler

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCursorRoundTrip(t *testing.T) {
	encoded := EncodeRunCursor(&RunCursor{Seq: 42, RunID: "0b7f6a2e-run"})

	cursor, err := DecodeRunCursor(encoded)
	require.NoError(t, err)
	assert.Equal(t, int64(42), cursor.Seq)
	assert.Equal(t, "0b7f6a2e-run", cursor.RunID)
}

func TestDecodeRunCursor(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantNil bool
		wantErr bool
	}{
		{name: "empty", input: "", wantNil: true},
		{name: "not base64", input: "%%%", wantErr: true},
		{name: "missing separator", input: base64.URLEncoding.EncodeToString([]byte("12")), wantErr: true},
		{name: "non numeric seq", input: base64.URLEncoding.EncodeToString([]byte("abc|id")), wantErr: true},
		{name: "zero seq", input: base64.URLEncoding.EncodeToString([]byte("0|id")), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cursor, err := DecodeRunCursor(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNil, cursor == nil)
		})
	}
}

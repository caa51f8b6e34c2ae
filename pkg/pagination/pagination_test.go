package pagination

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTripKeepsNanoseconds(t *testing.T) {
	in := Cursor{CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 123456789, time.UTC), ID: uuid.Must(uuid.NewV7())}
	out, err := ParseCursor(EncodeCursor(in))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.Equal(t, in.ID, out.ID)
}

func TestParseCursorBlankIsFirstPage(t *testing.T) {
	c, err := ParseCursor("  ")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	for _, token := range []string{"!!!", "AAAA", EncodeCursor(Cursor{})[:10]} {
		_, err := ParseCursor(token)
		assert.ErrorIs(t, err, errMalformedCursor, token)
	}
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, NormalizeLimit(0))
	assert.Equal(t, MaxLimit, NormalizeLimit(MaxLimit+1))
	assert.Equal(t, 7, NormalizeLimit(7))
	assert.Equal(t, 8, LimitWithBuffer(7))
}

package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	at time.Time
	id string
}

func key(i item) (time.Time, string) { return i.at, i.id }

func TestDecode(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	c, err := Decode(Encode(ts, "abc"))
	require.NoError(t, err)
	assert.True(t, c.CreatedAt.Equal(ts))
	assert.Equal(t, "abc", c.ID)

	c, err = Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)

	for _, bad := range []string{"!!!", Encode(ts, "")[:4], "bm9waXBl"} {
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrInvalidCursor, bad)
	}
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, MaxLimit, ClampLimit(MaxLimit+1))
	assert.Equal(t, 7, ClampLimit(7))
}

func TestPage_WalksAllItemsOnce(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []item{
		{base, "a"},
		{base.Add(2 * time.Minute), "c"},
		{base.Add(time.Minute), "b"},
		{base.Add(time.Minute), "d"},
		{base.Add(3 * time.Minute), "e"},
	}

	var seen []string
	var cursor *Cursor
	pages := 0
	for {
		page, next := Page(items, cursor, 2, key)
		pages++
		for _, it := range page {
			seen = append(seen, it.id)
		}
		if next == "" {
			break
		}
		var err error
		cursor, err = Decode(next)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"e", "c", "d", "b", "a"}, seen)
	assert.Equal(t, 3, pages)
}

func TestPage_DoesNotReorderInput(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []item{{base, "a"}, {base.Add(time.Second), "b"}}
	Page(items, nil, 10, key)
	assert.Equal(t, "a", items[0].id)
}

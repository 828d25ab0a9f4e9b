package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/harvester/pkg/types"
)

func TestCanonicalTransform(t *testing.T) {
	c := NewCanonical("catalog")

	doc, err := c.Transform(map[string]any{
		"id":    "doc-1",
		"title": "  Harvest guide ",
		"body":  "text",
		"lang":  "en",
		"pages": float64(12),
	})
	require.NoError(t, err)
	assert.Equal(t, types.Document{
		ID:     "doc-1",
		Title:  "Harvest guide",
		Body:   "text",
		Fields: map[string]any{"lang": "en", "pages": float64(12)},
		Source: "catalog",
	}, doc)
	assert.Equal(t, "doc-1", c.Identify(doc))
}

func TestCanonicalNumericID(t *testing.T) {
	c := NewCanonical("")

	doc, err := c.Transform(map[string]any{"id": float64(42)})
	require.NoError(t, err)
	assert.Equal(t, "42", doc.ID)
	assert.Nil(t, doc.Fields)
}

func TestCanonicalCustomKeys(t *testing.T) {
	c := &Canonical{IDKey: "uuid", TitleKey: "name", BodyKey: "summary"}

	doc, err := c.Transform(map[string]any{"uuid": "u1", "name": "N", "summary": "S", "id": "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "u1", doc.ID)
	assert.Equal(t, "N", doc.Title)
	assert.Equal(t, "S", doc.Body)
	assert.Equal(t, map[string]any{"id": "ignored"}, doc.Fields)
}

func TestCanonicalMissingID(t *testing.T) {
	c := NewCanonical("")

	for _, rec := range []map[string]any{
		{"title": "no id"},
		{"id": ""},
		{"id": map[string]any{"nested": true}},
	} {
		_, err := c.Transform(rec)
		assert.ErrorIs(t, err, ErrMissingID)
	}
}

func TestCanonicalDoesNotMutateRecord(t *testing.T) {
	rec := map[string]any{"id": "a", "title": "t", "x": 1}
	_, err := NewCanonical("").Transform(rec)
	require.NoError(t, err)
	assert.Len(t, rec, 3)
}

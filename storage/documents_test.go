package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectURL(t *testing.T) {
	s := &DocumentStorage{bucket: "docs", publicURL: "https://cdn.example.com"}

	assert.Equal(t, "https://cdn.example.com/docs/sources/1/2/manual.pdf", s.ObjectURL("sources/1/2/manual.pdf"))
	assert.Equal(t, "https://cdn.example.com/docs/manual.pdf", s.ObjectURL("/manual.pdf"))
	assert.Empty(t, s.ObjectURL("   "))

	var unset *DocumentStorage
	assert.Empty(t, unset.ObjectURL("manual.pdf"))
}

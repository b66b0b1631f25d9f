package markdown

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadingsSkipsFencedAndSetextHeadings(t *testing.T) {
	source := []byte("# Title\n\nintro\n\n## Design\n\nbody\n\n```\n## not a heading\n```\n\nSetext\n------\n\n### **Convergence** Status\nITERATING\n")

	headings := Headings(source)
	require.Len(t, headings, 3)

	assert.Equal(t, 1, headings[0].Level)
	assert.Equal(t, "Title", headings[0].Title)
	assert.Equal(t, "Design", headings[1].Title)
	assert.Equal(t, 2, headings[1].Level)
	assert.Equal(t, "Convergence Status", headings[2].Title)
	assert.Equal(t, 3, headings[2].Level)
}

func TestBodyStopsAtMatchingHeading(t *testing.T) {
	source := []byte("## Design\nalpha\n#### Detail\nbeta\n## Rationale\ngamma\n")
	headings := Headings(source)
	require.Len(t, headings, 3)

	sameOrShallower := func(next Heading) bool { return next.Level <= headings[0].Level }
	assert.Equal(t, "alpha\n#### Detail\nbeta", Body(source, headings, 0, sameOrShallower))
	assert.Equal(t, "alpha", Body(source, headings, 0, nil))
	assert.Equal(t, "gamma", Body(source, headings, 2, nil))
	assert.Empty(t, Body(source, headings, 9, nil))
}

func TestListItems(t *testing.T) {
	source := []byte("- first item\n- second *emphasis*\n\n1. third\n")

	assert.Equal(t, []string{"first item", "second emphasis", "third"}, ListItems(source))
	assert.Empty(t, ListItems([]byte("   ")))
}

func TestHeadingsEmptySource(t *testing.T) {
	assert.Empty(t, Headings(nil))
	assert.Empty(t, Headings([]byte("no headings here")))
}

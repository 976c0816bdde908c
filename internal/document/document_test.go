package document

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeRoundsReadingTimeUp(t *testing.T) {
	cases := []struct {
		words   int
		minutes int
	}{
		{1, 1},
		{199, 1},
		{200, 1},
		{201, 2},
		{1000, 5},
		{1001, 6},
	}
	for _, c := range cases {
		text := strings.TrimSpace(strings.Repeat("word ", c.words))
		s := Analyze(text)
		assert.Equal(t, c.words, s.Words)
		assert.Equal(t, c.minutes, s.ReadingMinutes, "words=%d", c.words)
		assert.Equal(t, len(text), s.Characters)
	}
}

func TestReadingTimeString(t *testing.T) {
	assert.Equal(t, "1 minute", Stats{ReadingMinutes: 1}.ReadingTime())
	assert.Equal(t, "3 minutes", Stats{ReadingMinutes: 3}.ReadingTime())
}

func TestNormalizeBounds(t *testing.T) {
	_, err := Normalize("too short", "")
	require.ErrorIs(t, err, ErrTooShort)

	_, err = Normalize(strings.Repeat("a", MaxLength+1), "text")
	require.ErrorIs(t, err, ErrTooLong)

	ok := strings.Repeat("b", MinLength)
	out, err := Normalize(ok, "")
	require.NoError(t, err)
	assert.Equal(t, ok, out)

	_, err = Normalize(ok, "pdf")
	require.ErrorIs(t, err, ErrFormat)
}

func TestNormalizeHTML(t *testing.T) {
	html := `<html><head><title>x</title><style>p{}</style></head>
<body><h1>Quarterly report</h1><script>alert(1)</script>
<p>Revenue grew   strongly across every region during the quarter.</p></body></html>`

	text, err := Normalize(html, "html")
	require.NoError(t, err)
	assert.Contains(t, text, "Quarterly report")
	assert.Contains(t, text, "Revenue grew strongly across every region")
	assert.NotContains(t, text, "alert")
	assert.NotContains(t, text, "p{}")
}

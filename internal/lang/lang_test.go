package lang

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		wantOK    bool
	}{
		{"simple", "en", true},
		{"region", "pt-BR", true},
		{"script", "zh-Hant", true},
		{"empty", "", false},
		{"whitespace", "  ", false},
		{"undetermined", "und", false},
		{"garbage", "not a lang tag!", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Parse(tt.candidate)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestFirstValid(t *testing.T) {
	tag, ok := FirstValid("", "und", "de-AT")
	assert.True(t, ok)
	assert.Equal(t, "de-AT", tag.String())

	_, ok = FirstValid("", "und")
	assert.False(t, ok)
}

func TestIsCloseMatch(t *testing.T) {
	en := language.MustParse("en")
	enUS := language.MustParse("en-US")
	de := language.MustParse("de")

	assert.True(t, IsCloseMatch(en, en))
	assert.True(t, IsCloseMatch(enUS, en))
	assert.False(t, IsCloseMatch(de, en))
	assert.False(t, IsCloseMatch(language.Und, en))
}

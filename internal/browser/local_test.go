package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtraFlags(t *testing.T) {
	assert.Len(t, extraFlags(nil), 0)
	assert.Len(t, extraFlags([]string{"--lang=en-US", "mute-audio", "  ", "--"}), 2)
}

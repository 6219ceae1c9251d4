package browser_test

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/shehryarbajwa/browserbot/internal/browser"
	"github.com/shehryarbajwa/browserbot/internal/browser/browsertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureScreenshot(t *testing.T) {
	page := browsertest.NewPage()
	page.Shot = []byte{0xff, 0xd8, 0xff}

	uri := browser.CaptureScreenshot(context.Background(), page, 60)
	require.True(t, strings.HasPrefix(uri, "data:image/jpeg;base64,"))
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, "data:image/jpeg;base64,"))
	require.NoError(t, err)
	assert.Equal(t, page.Shot, raw)
	assert.Contains(t, page.CallLog(), "screenshot q=60")
}

func TestCaptureScreenshot_NeverFails(t *testing.T) {
	ctx := context.Background()

	assert.Empty(t, browser.CaptureScreenshot(ctx, nil, 60))

	failing := browsertest.NewPage()
	failing.Errs["Screenshot"] = errors.New("target crashed")
	assert.Empty(t, browser.CaptureScreenshot(ctx, failing, 60))

	closed := browsertest.NewPage()
	closed.Close()
	assert.Empty(t, browser.CaptureScreenshot(ctx, closed, 60))
	assert.Empty(t, closed.CallLog())
}

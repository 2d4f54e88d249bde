package adapter

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"earnbot/internal/transport"
)

func TestSplitTextShort(t *testing.T) {
	assert.Equal(t, []string{"hello"}, splitText("hello", 10))
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(s, 10)
	require.Len(t, got, 2)
	assert.Equal(t, strings.Repeat("a", 6), got[0])
	assert.Equal(t, strings.Repeat("b", 6), got[1])
}

func TestSplitTextHardCut(t *testing.T) {
	got := splitText(strings.Repeat("x", 25), 10)
	require.Len(t, got, 3)
	for _, c := range got {
		assert.LessOrEqual(t, len([]rune(c)), 10)
	}
	assert.Equal(t, strings.Repeat("x", 25), strings.Join(got, ""))
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil))

	for _, e := range []error{tele.ErrBlockedByUser, tele.ErrUserIsDeactivated, tele.ErrChatNotFound} {
		assert.ErrorIs(t, classify(e), transport.ErrRecipientGone, e.Error())
		assert.ErrorIs(t, classify(e), e)
	}

	assert.ErrorIs(t, classify(errors.New("telegram: Forbidden: bot was kicked (403)")), transport.ErrRecipientGone)

	plain := errors.New("connection reset by peer")
	got := classify(plain)
	assert.NotErrorIs(t, got, transport.ErrRecipientGone)
	assert.Same(t, plain, got)
}

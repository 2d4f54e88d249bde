package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"earnbot/internal/domain"
	"earnbot/internal/transport"
	logx "earnbot/pkg/logx"
)

type sentMsg struct {
	to   transport.ChatTarget
	text string
	opt  transport.SendOptions
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMsg
	err  error
}

func (f *fakeTransport) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return transport.MessageRef{}, f.err
	}
	f.sent = append(f.sent, sentMsg{to: to, text: text, opt: *opt})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

var now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func sampleOpp() domain.Opportunity {
	dl := now.Add(5*24*time.Hour + time.Hour)
	return domain.Opportunity{
		ID:       "b-1",
		Title:    "Build a dApp (v2)",
		Sponsor:  "Acme_Labs",
		Category: domain.CategoryBounty,
		Reward:   domain.Reward{Kind: domain.RewardFixed, Token: "USDC", Amount: 1500, USD: 1500},
		Deadline: &dl,
		Skills:   []string{"Go", "React"},
		URL:      "https://earn.superteam.fun/listings/build-a-dapp",
	}
}

func TestSenderSendSuccess(t *testing.T) {
	tx := &fakeTransport{}
	s := NewSender(tx, Options{Now: func() time.Time { return now }}, logx.Nop())

	err := s.Send(context.Background(), domain.Recipient{ChatID: 42}, sampleOpp())
	require.NoError(t, err)
	require.Len(t, tx.sent, 1)
	assert.Equal(t, int64(42), tx.sent[0].to.ChatID)
	assert.Equal(t, transport.ParseMarkdownV2, tx.sent[0].opt.ParseMode)
	assert.False(t, tx.sent[0].opt.DisablePreview)
	assert.Contains(t, tx.sent[0].text, "Build a dApp \\(v2\\)")
}

func TestSenderClassifiesFailures(t *testing.T) {
	gone := fmt.Errorf("%w: blocked", transport.ErrRecipientGone)
	tx := &fakeTransport{err: gone}
	s := NewSender(tx, Options{}, logx.Nop())

	err := s.Send(context.Background(), domain.Recipient{ChatID: 1}, sampleOpp())
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.NotErrorIs(t, err, ErrTransient)

	tx.err = errors.New("i/o timeout")
	err = s.Send(context.Background(), domain.Recipient{ChatID: 1}, sampleOpp())
	assert.ErrorIs(t, err, ErrTransient)
	assert.NotErrorIs(t, err, ErrUnreachable)
}

func TestClassifyIdempotent(t *testing.T) {
	assert.NoError(t, Classify(nil))
	once := Classify(errors.New("x"))
	assert.Same(t, once, Classify(once))
}

func TestRetryAfter(t *testing.T) {
	err := Classify(&transport.RetryAfterError{Seconds: 3, Err: errors.New("flood")})
	d, ok := RetryAfter(err)
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, d)
	assert.ErrorIs(t, err, ErrTransient)

	_, ok = RetryAfter(errors.New("other"))
	assert.False(t, ok)
}

func TestFormatReward(t *testing.T) {
	cases := []struct {
		name string
		opp  domain.Opportunity
		want string
	}{
		{"variable", domain.Opportunity{Reward: domain.Reward{Kind: domain.RewardVariable}}, "Variable Comp"},
		{"grant ceiling", domain.Opportunity{Category: domain.CategoryGrant, Reward: domain.Reward{Kind: domain.RewardVariable, MaxUSD: domain.Float(10000)}}, "Up to $10,000 USD"},
		{"range", domain.Opportunity{Reward: domain.Reward{Kind: domain.RewardRange, MinUSD: domain.Float(1000), MaxUSD: domain.Float(2500.5)}}, "$1,000 - $2,500.5 USD"},
		{"fixed with token", domain.Opportunity{Reward: domain.Reward{Kind: domain.RewardFixed, Token: "SOL", Amount: 10, USD: 1450.256}}, "10 SOL (~$1,450.26 USD)"},
		{"usd only", domain.Opportunity{Reward: domain.Reward{Kind: domain.RewardFixed, USD: 300}}, "$300 USD"},
		{"token only", domain.Opportunity{Reward: domain.Reward{Kind: domain.RewardFixed, Token: "BONK", Amount: 1000000}}, "1,000,000 BONK"},
		{"nothing", domain.Opportunity{Reward: domain.Reward{Kind: domain.RewardUnspecified}}, "See listing for details"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FormatReward(tc.opp))
		})
	}
}

func TestFormatDeadline(t *testing.T) {
	at := func(d time.Duration) *time.Time { v := now.Add(d); return &v }
	assert.Equal(t, "Rolling", FormatDeadline(nil, now))
	assert.Equal(t, "Expired", FormatDeadline(at(-time.Hour), now))
	assert.Equal(t, "Today", FormatDeadline(at(5*time.Hour), now))
	assert.Equal(t, "Tomorrow", FormatDeadline(at(30*time.Hour), now))
	assert.Equal(t, "7 days", FormatDeadline(at(7*24*time.Hour+time.Minute), now))
	assert.Equal(t, "Jun 10", FormatDeadline(at(40*24*time.Hour), now))
	assert.Equal(t, "Jan 5, 2027", FormatDeadline(at(249*24*time.Hour), now))
}

func TestWithUTM(t *testing.T) {
	assert.Equal(t, "", WithUTM(" "))
	assert.Equal(t, "https://x.test/l/a?utm_source=telegrambot", WithUTM("https://x.test/l/a"))
	assert.Equal(t, "https://x.test/l/a?ref=1&utm_source=telegrambot", WithUTM("https://x.test/l/a?ref=1"))
}

func TestFormatEscapesMarkdown(t *testing.T) {
	out := Format(sampleOpp(), now)
	assert.True(t, strings.HasPrefix(out, "🚀 *New Bounty Alert\\!*"))
	assert.Contains(t, out, "by Acme\\_Labs")
	assert.Contains(t, out, "1,500 USDC \\(\\~$1,500 USD\\)")
	assert.Contains(t, out, "*Deadline:* 5 days")
	assert.Contains(t, out, "[View details](https://earn.superteam.fun/listings/build-a-dapp?utm_source=telegrambot)")
	assert.False(t, strings.HasSuffix(out, "\n"))
}

func TestEscape(t *testing.T) {
	assert.Equal(t, `a\.b\-c\!`, Escape("a.b-c!"))
	assert.Equal(t, `\\`, Escape(`\`))
}

func TestNewLimiter(t *testing.T) {
	l := NewLimiter(0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(ctx))
	}

	l = NewLimiter(25)
	assert.InDelta(t, 25, float64(l.Limit()), 0.001)
	assert.Equal(t, 1, l.Burst())
}

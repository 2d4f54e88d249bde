// Package dispatch renders opportunities and delivers them to recipients.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"earnbot/internal/domain"
	"earnbot/internal/transport"
	logx "earnbot/pkg/logx"
)

var (
	// ErrUnreachable means the recipient can never be reached again.
	ErrUnreachable = errors.New("dispatch: recipient unreachable")
	// ErrTransient covers every other failure; a later tick may succeed.
	ErrTransient = errors.New("dispatch: transient failure")
)

const DefaultSendTimeout = 10 * time.Second

// Throttle paces outbound sends. *rate.Limiter satisfies it.
type Throttle interface {
	Wait(ctx context.Context) error
}

// NewLimiter returns a token bucket refilling perSecond tokens with a burst of one.
// A non-positive rate disables pacing.
func NewLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

type Options struct {
	SendTimeout    time.Duration
	DisablePreview bool
	Now            func() time.Time
}

// Sender formats and sends one notification per call.
type Sender struct {
	tx      transport.Sender
	timeout time.Duration
	preview bool
	now     func() time.Time
	log     logx.Logger
}

func NewSender(tx transport.Sender, opts Options, log logx.Logger) *Sender {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{tx: tx, timeout: opts.SendTimeout, preview: !opts.DisablePreview, now: opts.Now, log: log}
}

// Send delivers opp to r. A nil error means the platform accepted the message.
// Failures wrap ErrUnreachable or ErrTransient.
func (s *Sender) Send(ctx context.Context, r domain.Recipient, opp domain.Opportunity) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	text := Format(opp, s.now())
	_, err := s.tx.SendText(ctx, transport.ChatTarget{ChatID: r.ChatID}, text, &transport.SendOptions{
		ParseMode:      transport.ParseMarkdownV2,
		DisablePreview: !s.preview,
	})
	if err == nil {
		s.log.Debug("notification sent",
			logx.Int64("chat_id", r.ChatID), logx.String("opportunity", opp.ID))
		return nil
	}
	return Classify(err)
}

// Classify maps a transport error onto ErrUnreachable or ErrTransient.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnreachable), errors.Is(err, ErrTransient):
		return err
	case errors.Is(err, transport.ErrRecipientGone):
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	default:
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
}

// RetryAfter returns the platform's requested back-off, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var ra *transport.RetryAfterError
	if errors.As(err, &ra) && ra.Seconds > 0 {
		return time.Duration(ra.Seconds) * time.Second, true
	}
	return 0, false
}

// Package bot is the chat command surface: subscription management for
// recipients and a couple of owner-only operational commands.
package bot

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "earnbot/internal/runtime/supervisor"
	"earnbot/internal/transport"
	logx "earnbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // overrides Options.HandlerTimeout
	Handle      HandlerFunc
}

// Request is one parsed command invocation.
type Request struct {
	Message transport.Message
	Chat    transport.ChatTarget
	Command string
	Args    []string
	// RawArgs is the text after the command word, untokenized.
	RawArgs string
	ReqID   string
	IsOwner bool
	Logger  logx.Logger

	sender transport.Sender
}

func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.sender.SendText(ctx, r.Chat, text, &transport.SendOptions{DisablePreview: true})
	return err
}

func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	_, err := r.sender.SendText(ctx, r.Chat, text, &transport.SendOptions{ParseMode: transport.ParseHTML, DisablePreview: true})
	return err
}

type Options struct {
	Workers        int
	QueueSize      int
	HandlerTimeout time.Duration
	Owners         []int64
	// Limiter caps commands per chat; nil disables.
	Limiter *Window
}

// Router parses inbound messages and runs matching commands on a bounded
// worker pool.
type Router struct {
	sender transport.Sender
	log    logx.Logger
	opts   Options

	mu       sync.RWMutex
	commands map[string]*Command
	ordered  []*Command
	owners   []int64

	jobs chan func()
}

func NewRouter(sender transport.Sender, opts Options, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Router{
		sender:   sender,
		log:      log.With(logx.String("comp", "bot")),
		opts:     opts,
		commands: map[string]*Command{},
		owners:   append([]int64(nil), opts.Owners...),
		jobs:     make(chan func(), opts.QueueSize),
	}
}

// Register replaces the command table. help is always available.
func (r *Router) Register(cmds ...Command) {
	table := map[string]*Command{}
	ordered := make([]*Command, 0, len(cmds)+1)
	add := func(c Command) {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			return
		}
		c.Name = name
		cc := &c
		ordered = append(ordered, cc)
		table[name] = cc
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a != "" {
				if _, taken := table[a]; !taken {
					table[a] = cc
				}
			}
		}
	}
	for _, c := range cmds {
		add(c)
	}
	if _, ok := table["help"]; !ok {
		add(Command{
			Name:        "help",
			Description: "show available commands",
			Handle: func(ctx context.Context, req *Request) error {
				return req.ReplyHTML(ctx, r.helpText(req.IsOwner))
			},
		})
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	r.mu.Lock()
	r.commands = table
	r.ordered = ordered
	r.mu.Unlock()
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.owners {
		if o == id {
			return true
		}
	}
	return false
}

// MenuCommands lists the public commands for the platform's command menu.
func (r *Router) MenuCommands() []transport.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]transport.BotCommand, 0, len(r.ordered))
	for _, c := range r.ordered {
		if c.Access == AccessOwnerOnly {
			continue
		}
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// PublishMenu pushes MenuCommands when the sender supports it.
func (r *Router) PublishMenu(ctx context.Context) {
	up, ok := r.sender.(transport.CommandMenuUpdater)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(ctx, r.MenuCommands()); err != nil {
		r.log.Warn("command menu update failed", logx.Err(err))
	}
}

// Run consumes updates until ctx is done or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	for i := 0; i < r.opts.Workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					job()
				}
			}
		}, rtsup.Backoff{Min: 200 * time.Millisecond, Max: 5 * time.Second})
	}
	if r.opts.Limiter != nil {
		sup.Go0("window.prune", func(c context.Context) {
			t := time.NewTicker(5 * time.Minute)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return
				case <-t.C:
					r.opts.Limiter.Prune()
				}
			}
		})
	}
	r.log.Info("command router started", logx.Int("workers", r.opts.Workers))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.log.Info("command router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Message != nil {
				r.route(ctx, *up.Message)
			}
		}
	}
}

// parseCommand splits "/cmd@bot a b" into ("cmd", "a b").
func parseCommand(text string) (name, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	word, rest, _ := strings.Cut(text[1:], " ")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	if word == "" {
		return "", "", false
	}
	return word, strings.TrimSpace(rest), true
}

func (r *Router) route(ctx context.Context, msg transport.Message) {
	name, rest, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	if r.opts.Limiter != nil && !r.opts.Limiter.Allow(msg.FromID) {
		r.reply(ctx, chat, "⚠️ Too many requests. Please slow down.")
		return
	}

	r.mu.RLock()
	cmd := r.commands[name]
	r.mu.RUnlock()
	if cmd == nil {
		r.reply(ctx, chat, "Unknown command. Try /help")
		return
	}
	owner := r.isOwner(msg.FromID)
	if cmd.Access == AccessOwnerOnly && !owner {
		r.reply(ctx, chat, "unauthorized")
		return
	}

	rid := newReqID()
	req := &Request{
		Message: msg,
		Chat:    chat,
		Command: cmd.Name,
		Args:    strings.Fields(rest),
		RawArgs: rest,
		ReqID:   rid,
		IsOwner: owner,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
		sender: r.sender,
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.opts.HandlerTimeout
	}
	final := Chain(cmd.Handle,
		MWReplyOnError(),
		MWPanicRecover(),
		MWRequestLog(),
		MWTimeout(timeout),
	)

	select {
	case r.jobs <- func() { _ = final(ctx, req) }:
	default:
		r.reply(ctx, chat, "busy, try again")
	}
}

func (r *Router) reply(ctx context.Context, chat transport.ChatTarget, text string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := r.sender.SendText(ctx, chat, text, nil); err != nil {
		r.log.Debug("reply failed", logx.Int64("chat_id", chat.ChatID), logx.Err(err))
	}
}

func newReqID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b[:])
}

// Package command turns inbound chat messages from registered identities into
// replies. Commands start with '.'; everything except .help, .pin and .logout
// requires the identity to be unlocked.
package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/pansacloud/gateway/internal/auth"
	"github.com/pansacloud/gateway/internal/i18n"
	"github.com/pansacloud/gateway/internal/logging"
	"github.com/pansacloud/gateway/internal/metrics"
	"github.com/pansacloud/gateway/internal/model"
	"github.com/pansacloud/gateway/internal/repo"
	"github.com/pansacloud/gateway/internal/wa"
)

// Discard reasons, used as metric labels.
const (
	discardNoPayload  = "no_payload"
	discardFromMe     = "from_me"
	discardNoJID      = "no_jid"
	discardGroup      = "group"
	discardUnknown    = "unregistered"
	discardNotCommand = "not_command"
)

// Users resolves registered identities.
type Users interface {
	GetByPhone(ctx context.Context, phone string) (model.User, error)
}

// Files reads file metadata.
type Files interface {
	ListRecentByUser(ctx context.Context, userID int64, limit int) ([]model.File, error)
	ExistsForUser(ctx context.Context, fileID, userID int64) (bool, error)
}

// Unlocks is the per-identity command gate.
type Unlocks interface {
	IsUnlocked(ctx context.Context, userID int64) (bool, error)
	SetUnlocked(ctx context.Context, userID int64, unlocked bool) error
}

// Tokens mints download tokens.
type Tokens interface {
	Issue(ctx context.Context, userID int64, scope model.TokenScope, fileID *int64, ttlMinutes int) (string, error)
}

// Limiter throttles PIN attempts per key.
type Limiter interface {
	Allow(key string) bool
	Reset(key string)
}

// Config wires a Processor.
type Config struct {
	Users    Users
	Files    Files
	Unlocks  Unlocks
	Tokens   Tokens
	Pins     auth.PinVerifier
	Limiter  Limiter
	Catalog  *i18n.Catalog
	BaseURL  string
	TokenTTL int
	BotName  string
	// Concurrency bounds how many senders of one batch are served at once.
	Concurrency int
	Logger      log.Logger
}

// Processor implements wa.MessageHandler.
type Processor struct {
	users    Users
	files    Files
	unlocks  Unlocks
	tokens   Tokens
	pins     auth.PinVerifier
	limiter  Limiter
	catalog  *i18n.Catalog
	baseURL  string
	tokenTTL int
	botName  string
	limit    int
	logger   log.Logger

	locks *keyedMutex
}

// NewProcessor creates a Processor. Limiter may be nil to disable the PIN
// attempt guard.
func NewProcessor(cfg Config) *Processor {
	p := &Processor{
		users:    cfg.Users,
		files:    cfg.Files,
		unlocks:  cfg.Unlocks,
		tokens:   cfg.Tokens,
		pins:     cfg.Pins,
		limiter:  cfg.Limiter,
		catalog:  cfg.Catalog,
		baseURL:  cfg.BaseURL,
		tokenTTL: cfg.TokenTTL,
		botName:  cfg.BotName,
		limit:    cfg.Concurrency,
		logger:   logging.Component(cfg.Logger, "command"),
		locks:    newKeyedMutex(),
	}
	if p.limit <= 0 {
		p.limit = 1
	}
	if p.botName == "" {
		p.botName = "PansaCloud Bot"
	}
	return p
}

// inbound is a message that passed the cheap filters.
type inbound struct {
	msg   wa.Message
	jid   string
	phone string
}

// HandleMessages processes a batch. Messages of one sender run in order;
// different senders run in parallel. A failing message never stops the rest.
func (p *Processor) HandleMessages(ctx context.Context, sender wa.Sender, msgs []wa.Message) {
	var order []string
	bySender := make(map[string][]inbound)
	for _, m := range msgs {
		in, reason := p.filter(m)
		if reason != "" {
			metrics.MessagesDiscarded.WithLabelValues(reason).Inc()
			continue
		}
		if _, ok := bySender[in.jid]; !ok {
			order = append(order, in.jid)
		}
		bySender[in.jid] = append(bySender[in.jid], in)
	}

	var g errgroup.Group
	g.SetLimit(p.limit)
	for _, jid := range order {
		batch := bySender[jid]
		g.Go(func() error {
			unlock := p.locks.Lock(jid)
			defer unlock()
			for _, in := range batch {
				p.handleOne(ctx, sender, in)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Processor) filter(m wa.Message) (inbound, string) {
	if m.Message == nil {
		return inbound{}, discardNoPayload
	}
	if m.Key.FromMe {
		return inbound{}, discardFromMe
	}
	if m.Key.RemoteJID == "" {
		return inbound{}, discardNoJID
	}
	if wa.IsGroup(m.Key.RemoteJID) {
		return inbound{}, discardGroup
	}
	jid := wa.NormalizeUser(m.Key.RemoteJID)
	if jid == "" {
		return inbound{}, discardNoJID
	}
	return inbound{msg: m, jid: jid, phone: wa.PhoneFromJID(jid)}, ""
}

func (p *Processor) handleOne(ctx context.Context, sender wa.Sender, in inbound) {
	logger := log.With(p.logger, "phone", logging.MaskPhone(in.phone), "msg_id", in.msg.Key.ID)

	defer func() {
		if r := recover(); r != nil {
			metrics.MessageFailures.Inc()
			level.Error(logger).Log("msg", "message handler panicked", "panic", fmt.Sprint(r))
		}
	}()

	user, err := p.users.GetByPhone(ctx, in.phone)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			metrics.MessagesDiscarded.WithLabelValues(discardUnknown).Inc()
			return
		}
		metrics.MessageFailures.Inc()
		level.Error(logger).Log("msg", "failed to resolve sender", "err", err)
		return
	}

	text := in.msg.Text()
	if len(text) == 0 || text[0] != '.' {
		metrics.MessagesDiscarded.WithLabelValues(discardNotCommand).Inc()
		return
	}

	cmd, args := parse(text)
	reply, outcome, err := p.dispatch(ctx, user, in.phone, cmd, args)
	metrics.CommandsTotal.WithLabelValues(metricName(cmd), outcome).Inc()
	if err != nil {
		metrics.MessageFailures.Inc()
		level.Error(logger).Log("msg", "command failed", "command", cmd, "err", err)
		return
	}

	// Replies go to the chat the message came from, not the normalized JID.
	if err := sender.SendText(ctx, in.msg.Key.RemoteJID, reply); err != nil {
		metrics.MessageFailures.Inc()
		level.Error(logger).Log("msg", "failed to send reply", "command", cmd, "err", err)
		return
	}
	level.Debug(logger).Log("msg", "command handled", "command", cmd, "outcome", outcome)
}

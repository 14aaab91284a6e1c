package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-kit/log/level"

	"github.com/pansacloud/gateway/internal/i18n"
	"github.com/pansacloud/gateway/internal/metrics"
	"github.com/pansacloud/gateway/internal/middleware"
	"github.com/pansacloud/gateway/internal/model"
)

// Command names.
const (
	CmdHelp        = ".help"
	CmdPin         = ".pin"
	CmdLogout      = ".logout"
	CmdList        = ".list"
	CmdGet         = ".get"
	CmdDownloadAll = ".downloadall"
)

// Command outcomes, used as metric labels.
const (
	outcomeOK        = "ok"
	outcomeRejected  = "rejected"
	outcomeLocked    = "locked"
	outcomeThrottled = "throttled"
	outcomeNotFound  = "not_found"
	outcomeUnknown   = "unknown"
	outcomeError     = "error"
)

// ListLimit is how many files .list shows.
const ListLimit = 20

// fileTimeLayout formats file timestamps in .list lines.
const fileTimeLayout = "2006-01-02 15:04:05 UTC"

func parse(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

func metricName(cmd string) string {
	switch cmd {
	case CmdHelp, CmdPin, CmdLogout, CmdList, CmdGet, CmdDownloadAll:
		return strings.TrimPrefix(cmd, ".")
	default:
		return "unknown"
	}
}

// dispatch runs one command. A non-nil error means no reply is sent.
func (p *Processor) dispatch(ctx context.Context, user model.User, phone, cmd string, args []string) (string, string, error) {
	switch cmd {
	case CmdHelp:
		return p.catalog.T(i18n.MsgHelp, map[string]any{"Name": p.botName}), outcomeOK, nil
	case CmdPin:
		return p.pin(ctx, user, phone, args)
	case CmdLogout:
		if err := p.unlocks.SetUnlocked(ctx, user.ID, false); err != nil {
			return "", outcomeError, fmt.Errorf("lock: %w", err)
		}
		return p.catalog.T(i18n.MsgLogoutOK, nil), outcomeOK, nil
	}

	// Everything below sees the unlock state read here and nothing newer.
	unlocked, err := p.unlocks.IsUnlocked(ctx, user.ID)
	if err != nil {
		return "", outcomeError, fmt.Errorf("read unlock state: %w", err)
	}
	if !unlocked {
		return p.catalog.T(i18n.MsgLocked, nil), outcomeLocked, nil
	}

	switch cmd {
	case CmdList:
		return p.list(ctx, user)
	case CmdGet:
		return p.get(ctx, user, args)
	case CmdDownloadAll:
		token, err := p.tokens.Issue(ctx, user.ID, model.ScopeAll, nil, p.tokenTTL)
		if err != nil {
			return "", outcomeError, fmt.Errorf("issue token: %w", err)
		}
		return p.catalog.T(i18n.MsgLinkAll, map[string]any{"URL": p.link(token)}), outcomeOK, nil
	default:
		return p.catalog.T(i18n.MsgUnknownCommand, nil), outcomeUnknown, nil
	}
}

func (p *Processor) pin(ctx context.Context, user model.User, phone string, args []string) (string, string, error) {
	var pin string
	if len(args) > 0 {
		pin = args[0]
	}
	if !user.HasPin() {
		return p.catalog.T(i18n.MsgPinNotSet, nil), outcomeRejected, nil
	}

	key := middleware.GetPhoneKey(phone)
	if p.limiter != nil && !p.limiter.Allow(key) {
		metrics.PinAttempts.WithLabelValues("throttled").Inc()
		return p.catalog.T(i18n.MsgPinThrottled, nil), outcomeThrottled, nil
	}

	// A stored hash that cannot be checked answers like a wrong PIN.
	ok, err := p.pins.Verify(pin, *user.PinHash)
	if err != nil {
		metrics.PinAttempts.WithLabelValues("error").Inc()
		level.Error(p.logger).Log("msg", "pin verification failed", "user_id", user.ID, "err", err)
		return p.catalog.T(i18n.MsgPinWrong, nil), outcomeError, nil
	}
	if !ok {
		metrics.PinAttempts.WithLabelValues("wrong").Inc()
		return p.catalog.T(i18n.MsgPinWrong, nil), outcomeRejected, nil
	}

	if err := p.unlocks.SetUnlocked(ctx, user.ID, true); err != nil {
		return "", outcomeError, fmt.Errorf("unlock: %w", err)
	}
	if p.limiter != nil {
		p.limiter.Reset(key)
	}
	metrics.PinAttempts.WithLabelValues("ok").Inc()
	return p.catalog.T(i18n.MsgPinOK, nil), outcomeOK, nil
}

func (p *Processor) list(ctx context.Context, user model.User) (string, string, error) {
	files, err := p.files.ListRecentByUser(ctx, user.ID, ListLimit)
	if err != nil {
		return "", outcomeError, fmt.Errorf("list files: %w", err)
	}
	if len(files) == 0 {
		return p.catalog.T(i18n.MsgListEmpty, nil), outcomeOK, nil
	}
	lines := make([]string, 0, len(files))
	for _, f := range files {
		lines = append(lines, FormatFileLine(f))
	}
	return strings.Join(lines, "\n"), outcomeOK, nil
}

// FormatFileLine renders one .list entry: "#<id> • <size> bytes • <timestamp>".
func FormatFileLine(f model.File) string {
	return fmt.Sprintf("#%d • %d bytes • %s", f.ID, f.BlobSize, f.CreatedAt.UTC().Format(fileTimeLayout))
}

func (p *Processor) get(ctx context.Context, user model.User, args []string) (string, string, error) {
	var fileID int64
	if len(args) > 0 {
		fileID, _ = strconv.ParseInt(args[0], 10, 64)
	}
	if fileID <= 0 {
		return p.catalog.T(i18n.MsgGetUsage, nil), outcomeRejected, nil
	}

	ok, err := p.files.ExistsForUser(ctx, fileID, user.ID)
	if err != nil {
		return "", outcomeError, fmt.Errorf("check file ownership: %w", err)
	}
	if !ok {
		return p.catalog.T(i18n.MsgFileNotFound, nil), outcomeNotFound, nil
	}

	token, err := p.tokens.Issue(ctx, user.ID, model.ScopeSingle, &fileID, p.tokenTTL)
	if err != nil {
		return "", outcomeError, fmt.Errorf("issue token: %w", err)
	}
	return p.catalog.T(i18n.MsgLinkSingle, map[string]any{"URL": p.link(token)}), outcomeOK, nil
}

func (p *Processor) link(token string) string {
	return p.baseURL + "/dl/" + token
}

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"spread-hedge-bot/internal/alerts"
	"spread-hedge-bot/internal/state"
	"spread-hedge-bot/internal/strategy"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64     `json:"update_id"`
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	Command      string    `json:"command"`
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	ChatID       int64     `json:"chat_id"`
	Symbol       string    `json:"symbol"`
	PausedBefore bool      `json:"paused_before"`
	PausedAfter  bool      `json:"paused_after"`
	HaltCleared  string    `json:"halt_cleared,omitempty"`
}

// runOperator polls Telegram for operator commands until ctx is done.
// A bad chat id disables the operator without stopping the bot.
func (a *App) runOperator(ctx context.Context) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return nil
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
	return nil
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := a.telegram.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	resp := a.handleOperatorCommand(ctx, cmd, args, operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	})
	if resp == "" || a.alerts == nil {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats address bots as /status@name.
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) string {
	symbol := a.cfg.Strategy.Symbol
	if len(args) > 0 {
		symbol = args[0]
	}
	switch cmd {
	case "status":
		return a.operatorStatus(symbol)
	case "pause":
		before := a.isPaused()
		a.setPaused(true)
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			Action:       "pause",
			Symbol:       symbol,
			PausedBefore: before,
			PausedAfter:  true,
		}, meta)
		if before {
			return "entries already paused"
		}
		return "entries paused"
	case "resume":
		before := a.isPaused()
		a.setPaused(false)
		reason, wasHalted := a.shared.Halted(symbol)
		a.shared.Resume(symbol)
		event := operatorAuditEvent{
			Action:       "resume",
			Symbol:       symbol,
			PausedBefore: before,
			PausedAfter:  false,
		}
		if wasHalted {
			event.HaltCleared = reason
		}
		a.auditOperatorEvent(ctx, event, meta)
		switch {
		case wasHalted:
			a.shared.Signal(state.SignalEntryFilled)
			return fmt.Sprintf("%s resumed (cleared halt: %s)", symbol, reason)
		case before:
			return "entries resumed"
		default:
			return "trading already active"
		}
	default:
		return operatorHelpText()
	}
}

func (a *App) operatorStatus(symbol string) string {
	view := a.shared.View(symbol)
	now := a.now()
	lines := []string{
		fmt.Sprintf("symbol: %s", view.Symbol),
		fmt.Sprintf("state: %s", a.machine.Current()),
		fmt.Sprintf("paused: %t", a.isPaused()),
	}
	if view.HaltReason != "" {
		lines = append(lines, fmt.Sprintf("halted: %s", view.HaltReason))
	}
	if view.GRVT.Valid() && view.Variational.Valid() {
		lines = append(lines,
			fmt.Sprintf("grvt: %.4f / %.4f (age %s)", view.GRVT.Bid, view.GRVT.Ask, view.GRVT.Age(now).Round(time.Millisecond)),
			fmt.Sprintf("variational: %.4f / %.4f (age %s)", view.Variational.Bid, view.Variational.Ask, view.Variational.Age(now).Round(time.Millisecond)),
			fmt.Sprintf("open_spread: %.5f%%", strategy.OpenSpread(view.GRVT, view.Variational)*100),
			fmt.Sprintf("close_spread: %.5f%%", strategy.CloseSpread(view.GRVT, view.Variational)*100),
		)
	} else {
		lines = append(lines, "prices: waiting for both venues")
	}
	lines = append(lines,
		fmt.Sprintf("position_grvt: %.6f", view.PositionA),
		fmt.Sprintf("position_variational: %.6f", view.PositionB),
	)
	if view.Entry != nil {
		lines = append(lines, fmt.Sprintf("entry: %s %s %.6f/%.6f %s",
			view.Entry.Key(), view.Entry.Side, view.Entry.FilledQty, view.Entry.RequestedQty, view.Entry.Status))
	}
	for _, p := range view.Progress {
		lines = append(lines, fmt.Sprintf("uncovered %s: %.6f (filled %.6f, covered %.6f)",
			p.EntryOrderID, p.Uncovered(), p.FilledQtySeen, p.CoveredQty))
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status [symbol] - prices, spreads, positions and uncovered fills",
		"/pause - stop submitting new entries",
		"/resume [symbol] - resume entries and clear a halted symbol",
	}, "\n")
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

func (a *App) setPaused(paused bool) {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.paused = paused
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	if err := a.store.Set(ctx, operatorOffsetKey, []byte(strconv.FormatInt(offset, 10))); err != nil {
		a.log.Warn("operator offset save failed", zap.Error(err))
	}
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent, meta operatorMeta) {
	if a.store == nil {
		return
	}
	event.UpdateID = meta.UpdateID
	event.Time = a.now().UTC()
	event.Command = meta.Raw
	event.UserID = meta.UserID
	event.Username = meta.Username
	event.ChatID = meta.ChatID
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%020d:%d:%s", event.Time.UnixNano(), event.UpdateID, uuid.NewString()[:8])
	if err := a.store.Set(ctx, key, payload); err != nil {
		a.log.Warn("operator audit save failed", zap.Error(err))
	}
}

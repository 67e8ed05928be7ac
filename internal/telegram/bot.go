package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/web3-frozen/lp-monitor/internal/monitor"
	"github.com/web3-frozen/lp-monitor/internal/pricing"
)

const telegramAPI = "https://api.telegram.org/bot"

// Reporter exposes the monitor state the bot commands read.
type Reporter interface {
	Latest() []monitor.ValuationResult
	LastCycle() time.Time
	SourceReliabilityReport() map[string]pricing.ReliabilityStats
}

type Bot struct {
	token    string
	baseURL  string
	reporter Reporter
	allowed  []int64
	logger   *slog.Logger
	client   *http.Client
	offset   int64
}

// NewBot creates a bot. Commands are answered only in the allowed chats.
func NewBot(token string, reporter Reporter, allowed []int64, logger *slog.Logger) *Bot {
	return &Bot{
		token:    token,
		baseURL:  telegramAPI,
		reporter: reporter,
		allowed:  allowed,
		logger:   logger,
		client:   &http.Client{Timeout: 40 * time.Second},
	}
}

// SendMessage sends a plain text message to a Telegram chat.
func (b *Bot) SendMessage(chatID int64, text string) error {
	payload := map[string]interface{}{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	body, _ := json.Marshal(payload)

	resp, err := b.client.Post(
		b.baseURL+b.token+"/sendMessage",
		"application/json",
		bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Description string `json:"description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return fmt.Errorf("telegram API error %d: %s", resp.StatusCode, errResp.Description)
	}
	return nil
}

// Run starts the long-polling loop for incoming Telegram commands.
func (b *Bot) Run(ctx context.Context) {
	b.logger.Info("telegram bot started", "allowed_chats", len(b.allowed))
	for {
		select {
		case <-ctx.Done():
			return
		default:
			b.poll(ctx)
		}
	}
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

func (b *Bot) poll(ctx context.Context) {
	url := fmt.Sprintf("%s%s/getUpdates?offset=%d&timeout=30", b.baseURL, b.token, b.offset)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		b.logger.Error("create poll request", "error", err)
		return
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		b.logger.Error("poll updates", "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
		return
	}
	defer resp.Body.Close()

	var result struct {
		OK     bool     `json:"ok"`
		Result []update `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		b.logger.Error("decode updates", "error", err)
		return
	}

	for _, u := range result.Result {
		b.offset = u.UpdateID + 1
		if u.Message == nil {
			continue
		}
		b.handle(u.Message.Chat.ID, strings.TrimSpace(u.Message.Text))
	}
}

func (b *Bot) handle(chatID int64, text string) {
	if !slices.Contains(b.allowed, chatID) {
		b.logger.Warn("ignoring command from unknown chat", "chat_id", chatID)
		return
	}
	// Commands may carry a @botname suffix in group chats.
	cmd, _, _ := strings.Cut(text, "@")

	var reply string
	switch cmd {
	case "/status":
		reply = b.statusMessage()
	case "/reliability":
		reply = b.reliabilityMessage()
	case "/help", "/start":
		reply = helpMessage
	default:
		reply = "Unknown command. Send /help for available commands."
	}
	if err := b.SendMessage(chatID, reply); err != nil {
		b.logger.Error("reply failed", "chat_id", chatID, "error", err)
	}
}

const helpMessage = "🤖 LP Monitor Bot\n\n" +
	"Commands:\n" +
	"/status: latest valuation of every position\n" +
	"/reliability: price source success rates\n" +
	"/help: show this message"

func (b *Bot) statusMessage() string {
	results := b.reporter.Latest()
	if len(results) == 0 {
		return "No valuations yet. The first cycle has not finished."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 Positions (cycle %s)\n", b.reporter.LastCycle().UTC().Format("2006-01-02 15:04 UTC"))
	for _, r := range results {
		sb.WriteString("\n")
		if !r.Computed() {
			fmt.Fprintf(&sb, "❌ %s: %s (%s)\n", r.Position, r.Status, r.Error)
			continue
		}
		icon := "✅"
		if r.ILAlert {
			icon = "🚨"
		} else if r.Status == monitor.StatusStale {
			icon = "⚠️"
		}
		fmt.Fprintf(&sb, "%s %s %s/%s\n", icon, r.Position, r.TokenA, r.TokenB)
		fmt.Fprintf(&sb, "   value $%.2f | IL %.2f%% | net $%.2f (%.2f%%) | %s ahead\n",
			r.CurrentValueUSD, r.ILFraction*100, r.NetPnLUSD, r.NetPnLPercent*100, r.BetterStrategy)
		if r.Status == monitor.StatusStale {
			sb.WriteString("   stale prices in use\n")
		}
	}
	return sb.String()
}

func (b *Bot) reliabilityMessage() string {
	report := b.reporter.SourceReliabilityReport()
	names := make([]string, 0, len(report))
	for n := range report {
		names = append(names, n)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("📡 Source reliability\n")
	for _, n := range names {
		s := report[n]
		fmt.Fprintf(&sb, "\n%s: %.1f%% of %d (avg %.0fms)", n, s.SuccessRate*100, s.Attempts, s.AvgLatencyMS)
	}
	return sb.String()
}

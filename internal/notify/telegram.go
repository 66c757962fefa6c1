package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	tele "gopkg.in/telebot.v3"
	"gopkg.in/telebot.v3/middleware"

	"streamvault/internal/logging"
	"streamvault/internal/models"
	"streamvault/internal/service"
	"streamvault/internal/timeutil"
)

const (
	maxListed = 30
	// maxMessageLen is Telegram's limit for one text message
	maxMessageLen = 4096
	// moreReserve leaves room for the "… and N more" trailer
	moreReserve = 32
)

// Dependencies are the services the bot drives
type Dependencies struct {
	Store *service.RecordStore
	Sync  *service.SyncService
}

// TelegramBot exposes the record store as chat commands
type TelegramBot struct {
	bot  *tele.Bot
	cmds *Commands
}

// NewTelegramBot creates a bot answering only the given chat
func NewTelegramBot(token string, chatID int64, deps Dependencies) (*TelegramBot, error) {
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c tele.Context) {
			logging.WithError(err).Warn("Telegram handler error")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	tb := &TelegramBot{bot: b, cmds: NewCommands(deps)}
	b.Use(middleware.Whitelist(chatID))

	b.Handle("/start", tb.reply(func(tele.Context) string { return helpText }))
	b.Handle("/help", tb.reply(func(tele.Context) string { return helpText }))
	b.Handle("/add", tb.reply(func(c tele.Context) string { return tb.cmds.Add(c.Args()) }))
	b.Handle("/list", tb.reply(func(c tele.Context) string { return tb.cmds.List(c.Args()) }))
	b.Handle("/remove", tb.reply(func(c tele.Context) string { return tb.cmds.Remove(c.Args()) }))
	b.Handle("/pull", tb.reply(func(tele.Context) string { return tb.cmds.Pull(context.Background()) }))
	b.Handle("/status", tb.reply(func(tele.Context) string { return tb.cmds.Status() }))
	b.Handle("/export", tb.handleExport)

	return tb, nil
}

// Start polls for updates (blocking)
func (b *TelegramBot) Start() {
	b.bot.Start()
}

// Stop stops polling
func (b *TelegramBot) Stop() {
	b.bot.Stop()
}

func (b *TelegramBot) reply(fn func(tele.Context) string) tele.HandlerFunc {
	return func(c tele.Context) error {
		return c.Send(fn(c), tele.ModeHTML, tele.NoPreview)
	}
}

func (b *TelegramBot) handleExport(c tele.Context) error {
	data, err := b.cmds.deps.Store.ExportSnapshot()
	if err != nil {
		return c.Send("❌ Export failed: " + html.EscapeString(err.Error()))
	}
	doc := &tele.Document{
		File:     tele.FromReader(bytes.NewReader(data)),
		FileName: "streamvault-" + timeutil.Stamp(timeutil.Now()) + ".json",
		MIME:     "application/json",
	}
	return c.Send(doc)
}

const helpText = `<b>streamvault</b>
/add &lt;url&gt; [title] [#tag ...]
/list [tag ...]
/remove &lt;id&gt;
/export
/pull
/status`

// Commands implements the chat commands without any Telegram types
type Commands struct {
	deps Dependencies
}

// NewCommands creates the command set
func NewCommands(deps Dependencies) *Commands {
	return &Commands{deps: deps}
}

// Add handles "/add <url> [title words] [#tag ...]". A tag naming a category
// sets the category instead.
func (c *Commands) Add(args []string) string {
	partial, err := ParseAddArgs(args)
	if err != nil {
		return "❌ " + html.EscapeString(err.Error())
	}

	rec, err := c.deps.Store.Add(partial)
	if err != nil {
		return "❌ " + html.EscapeString(err.Error())
	}
	return fmt.Sprintf("✅ Added <b>%s</b>\n<code>%s</code>", html.EscapeString(rec.Title), rec.ID)
}

// List handles "/list [tag ...]"
func (c *Commands) List(args []string) string {
	return FormatRecordList(c.deps.Store.FilterByCategory(args), args)
}

// Remove handles "/remove <id>"
func (c *Commands) Remove(args []string) string {
	if len(args) != 1 {
		return "Usage: /remove &lt;id&gt;"
	}
	removed, err := c.deps.Store.Remove(args[0])
	if err != nil {
		return "❌ " + html.EscapeString(err.Error())
	}
	if !removed {
		return "Nothing to remove: no record with id <code>" + html.EscapeString(args[0]) + "</code>"
	}
	return "🗑 Removed"
}

// Pull handles "/pull"
func (c *Commands) Pull(ctx context.Context) string {
	records, err := c.deps.Sync.Pull(ctx)
	switch {
	case errors.Is(err, service.ErrRemoteUnavailable):
		return "📴 Remote unavailable, keeping local data"
	case errors.Is(err, service.ErrStaleResult):
		return "⏭ Local changes arrived during the pull, remote copy ignored"
	case err != nil:
		return "❌ " + html.EscapeString(err.Error())
	}
	return fmt.Sprintf("🔄 Pulled %d records", len(records))
}

// Status handles "/status"
func (c *Commands) Status() string {
	return FormatSyncStatus(c.deps.Sync.Status(), c.deps.Store.Len())
}

// ParseAddArgs turns "/add" arguments into a partial record
func ParseAddArgs(args []string) (models.PartialStreamRecord, error) {
	if len(args) == 0 {
		return models.PartialStreamRecord{}, errors.New("usage: /add <url> [title] [#tag ...]")
	}

	url := args[0]
	var titleWords, tags []string
	var category *models.Category
	for _, arg := range args[1:] {
		if tag, ok := strings.CutPrefix(arg, "#"); ok && tag != "" {
			if cat, err := models.ParseCategory(tag); err == nil {
				category = &cat
				continue
			}
			tags = append(tags, tag)
			continue
		}
		titleWords = append(titleWords, arg)
	}

	p := models.PartialStreamRecord{URL: &url, Tags: tags, Category: category}
	if len(titleWords) > 0 {
		title := strings.Join(titleWords, " ")
		p.Title = &title
	}
	return p, nil
}

// FormatRecordList renders records as an HTML message
func FormatRecordList(records []models.StreamRecord, filter []string) string {
	var sb strings.Builder

	header := "📺 <b>Saved streams</b>"
	if len(filter) > 0 {
		header += " (" + html.EscapeString(strings.Join(filter, ", ")) + ")"
	}
	sb.WriteString(header + "\n\n")

	if len(records) == 0 {
		sb.WriteString("Nothing saved yet 🎬")
		return sb.String()
	}

	for i, rec := range records {
		entry := formatEntry(i+1, rec)
		if i == maxListed || sb.Len()+len(entry)+moreReserve > maxMessageLen {
			sb.WriteString(fmt.Sprintf("… and %d more", len(records)-i))
			break
		}
		sb.WriteString(entry)
	}

	return strings.TrimRight(sb.String(), "\n")
}

func formatEntry(pos int, rec models.StreamRecord) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d. <a href=\"%s\">%s</a> [%s]\n",
		pos, html.EscapeString(rec.URL), html.EscapeString(rec.Title), html.EscapeString(string(rec.Category))))
	if len(rec.Tags) > 0 {
		sb.WriteString("   🏷 " + html.EscapeString(strings.Join(rec.Tags, ", ")) + "\n")
	}
	if n := len(rec.Episodes); n > 0 {
		last := rec.Episodes[n-1]
		sb.WriteString(fmt.Sprintf("   🎞 %d episodes, latest %s\n", n, models.FormatEpisodeID(last.Season, last.Episode)))
	}
	sb.WriteString("   <code>" + html.EscapeString(rec.ID) + "</code>\n")
	return sb.String()
}

// FormatSyncStatus renders the sync state as an HTML message
func FormatSyncStatus(st models.SyncStatus, count int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🔁 <b>Sync</b>: %s\n", st.State))
	if st.Online {
		sb.WriteString("🌐 online\n")
	} else {
		sb.WriteString("📴 offline\n")
	}
	sb.WriteString(fmt.Sprintf("📦 %d records", count))
	if st.Pending {
		sb.WriteString(", unsynced changes")
	}
	sb.WriteString("\n")
	if !st.LastSuccess.IsZero() {
		sb.WriteString("✅ last success " + st.LastSuccess.Format("2006-01-02 15:04:05") + "\n")
	}
	if st.LastError != "" {
		sb.WriteString("⚠️ last error: " + html.EscapeString(st.LastError) + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

package render

import (
	"fmt"
	"html"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"finpatrol/internal/change"
	"finpatrol/internal/snapshot"
)

var currencyFlags = map[string]string{
	"USD-RUB": "🇺🇸",
	"EUR-RUB": "🇪🇺",
	"CNY-RUB": "🇨🇳",
	"AED-RUB": "🇦🇪",
	"THB-RUB": "🇹🇭",
}

var financeEmojis = map[string]string{
	"Gold":    "👑",
	"Brent":   "🛢️",
	"S&P 500": "📈",
	"NASDAQ":  "📊",
	"EUR-USD": "🇺🇸",
	"USD-BYN": "🇧🇾",
	"USD-KZT": "🇰🇿",
	"USD-UAH": "🇺🇦",
}

var cryptoEmojis = map[string]string{
	"BTC":     "₿",
	"ETH":     "⧫",
	"XRP":     "✕",
	"BNB":     "Ƀ",
	"SOL":     "☀️",
	"DOGE":    "🐶",
	"TRX":     "🎭",
	"USDC":    "💵",
	"USDT":    "💵",
	"ADA":     "₳",
	"TON":     "💎",
	"TONCOIN": "💎",
	"SHIB":    "柴",
	"PEPE":    "🐸",
	"LINK":    "🔗",
	"LTC":     "⚡",
	"AVAX":    "🏔️",
	"DOT":     "🌐",
}

const (
	defaultCurrencyEmoji = "💱"
	defaultFinanceEmoji  = "🌐"
	defaultCryptoEmoji   = "🪙"
	staleMarker          = "⏳"
)

// Options configure the digest layout.
type Options struct {
	Location  *time.Location
	ZoneLabel string
	MajorCoin string
	// Order lists instruments that are printed first, in this order.
	Order  []string
	Footer string
}

// Renderer turns processed records into Telegram HTML.
type Renderer struct {
	opts     Options
	priority map[string]int
}

// New constructs a Renderer.
func New(opts Options) *Renderer {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.ZoneLabel == "" {
		opts.ZoneLabel = "МСК"
	}
	priority := make(map[string]int, len(opts.Order))
	for i, key := range opts.Order {
		if _, dup := priority[key]; !dup {
			priority[key] = i
		}
	}
	return &Renderer{opts: opts, priority: priority}
}

// Render builds the digest text. Empty categories print a placeholder.
func (r *Renderer) Render(at time.Time, cbr, finance, crypto snapshot.Records) string {
	local := at.In(r.opts.Location)

	var b strings.Builder
	fmt.Fprintf(&b, "<b>🚓 %s</b> 🕒 Upd: <code>%s %s</code>\n\n",
		local.Format("02.01.2006"), local.Format("15:04"), html.EscapeString(r.opts.ZoneLabel))

	r.writeBlock(&b, "<b>💰 Курсы ЦБ РФ:</b>\n", "❌ Нет данных о курсах ЦБ РФ.\n", cbr, false)
	b.WriteString("\n")
	r.writeBlock(&b, "<b>📊 Финансовые инструменты:</b>\n", "❌ Нет данных о финансовых инструментах.\n", finance, false)
	b.WriteString("\n")
	r.writeCrypto(&b, crypto)

	if r.opts.Footer != "" {
		b.WriteString("\n")
		b.WriteString(r.opts.Footer)
	}
	return b.String()
}

// RenderPayload is Render over a full payload.
func (r *Renderer) RenderPayload(at time.Time, p snapshot.Payload) string {
	return r.Render(at, p.Get(snapshot.CategoryCBR), p.Get(snapshot.CategoryFinance), p.Get(snapshot.CategoryCrypto))
}

func (r *Renderer) writeBlock(b *strings.Builder, title, placeholder string, recs snapshot.Records, crypto bool) {
	if len(recs) == 0 {
		b.WriteString(placeholder)
		return
	}
	b.WriteString(title)
	for _, key := range r.order(recs) {
		r.writeLine(b, key, recs[key], crypto)
	}
}

// writeCrypto prints regular coins first and spiking coins in their own group.
func (r *Renderer) writeCrypto(b *strings.Builder, recs snapshot.Records) {
	if len(recs) == 0 {
		b.WriteString("❌ Нет данных о криптовалютах.\n")
		return
	}
	regular := make(snapshot.Records, len(recs))
	spikes := make(snapshot.Records)
	for key, rec := range recs {
		if rec.Spike != snapshot.SpikeNone && !r.listed(key) {
			spikes[key] = rec
			continue
		}
		regular[key] = rec
	}

	if len(regular) > 0 {
		r.writeBlock(b, "<b>💎 Криптовалюты к $:</b>\n", "", regular, true)
	}
	if len(spikes) > 0 {
		if len(regular) > 0 {
			b.WriteString("\n")
		}
		r.writeBlock(b, "<b>🔥 Резкие движения:</b>\n", "", spikes, true)
	}
}

func (r *Renderer) writeLine(b *strings.Builder, key string, rec snapshot.Record, crypto bool) {
	name := html.EscapeString(key)
	if rec.ThresholdFlag != "" {
		name += " " + rec.ThresholdFlag
	}
	value := r.formatValue(key, rec.Value, crypto)
	if rec.Stale {
		value += " " + staleMarker
	}
	if rec.Spike != snapshot.SpikeNone {
		name += " <i>(" + rec.Spike + ")</i>"
	}

	fmt.Fprintf(b, "%s %s: <code>%s</code>\n", r.emoji(key, crypto), name, value)

	changes := make([]string, 0, 3)
	for _, iv := range []struct {
		label string
		pct   *float64
	}{
		{"h", rec.IntervalChanges.Hour},
		{"d", rec.IntervalChanges.Day},
		{"w", rec.IntervalChanges.Week},
	} {
		if iv.pct == nil {
			continue
		}
		changes = append(changes, FormatChange(iv.label, *iv.pct, crypto))
	}
	if len(changes) > 0 {
		b.WriteString("     ")
		b.WriteString(strings.Join(changes, "   "))
	}
	b.WriteString("\n")
}

// FormatChange renders one interval change with its direction glyph.
func FormatChange(label string, pct float64, crypto bool) string {
	mv := change.Classify(pct, crypto)
	if mv.Band == change.BandNeutral {
		return label + ":    0.00%"
	}
	return fmt.Sprintf("%s: %s %5.2f%%", label, glyph(mv, crypto), math.Abs(pct))
}

func glyph(mv change.Movement, crypto bool) string {
	up, down := "▲", "▼"
	if crypto {
		up, down = "🟢", "🔻"
	}
	arrow := up
	if mv.Direction == change.Down {
		arrow = down
	}
	switch mv.Band {
	case change.BandExtreme:
		if mv.Direction == change.Up {
			return "🚀"
		}
		return "💥"
	case change.BandEmphasized:
		return arrow + arrow
	}
	return arrow
}

func (r *Renderer) formatValue(key string, v float64, crypto bool) string {
	places := int32(2)
	if crypto && key != r.opts.MajorCoin {
		places = 4
	}
	return FormatNumber(v, places)
}

// FormatNumber formats v as "1 234,56".
func FormatNumber(v float64, places int32) string {
	s := decimal.NewFromFloat(v).StringFixed(places)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	intPart, frac, _ := strings.Cut(s, ".")
	var grouped strings.Builder
	for i, d := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			grouped.WriteByte(' ')
		}
		grouped.WriteRune(d)
	}

	out := grouped.String()
	if frac != "" {
		out += "," + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

func (r *Renderer) emoji(key string, crypto bool) string {
	if crypto {
		if e, ok := cryptoEmojis[key]; ok {
			return e
		}
		return defaultCryptoEmoji
	}
	if e, ok := currencyFlags[key]; ok {
		return e
	}
	if e, ok := financeEmojis[key]; ok {
		return e
	}
	if strings.HasSuffix(key, "-RUB") {
		return defaultCurrencyEmoji
	}
	return defaultFinanceEmoji
}

func (r *Renderer) listed(key string) bool {
	_, ok := r.priority[key]
	return ok
}

// order returns keys with configured instruments first, the rest lexically.
func (r *Renderer) order(recs snapshot.Records) []string {
	keys := recs.Keys()
	sort.SliceStable(keys, func(i, j int) bool {
		pi, iok := r.priority[keys[i]]
		pj, jok := r.priority[keys[j]]
		switch {
		case iok && jok:
			return pi < pj
		case iok != jok:
			return iok
		}
		return false
	})
	return keys
}

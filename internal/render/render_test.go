package render

import (
	"strings"
	"testing"
	"time"

	"finpatrol/internal/snapshot"
)

var msk = time.FixedZone("MSK", 3*60*60)

func newTestRenderer() *Renderer {
	return New(Options{
		Location:  msk,
		MajorCoin: "BTC",
		Order:     []string{"USD-RUB", "EUR-RUB", "BTC", "ETH"},
		Footer:    `🚓 <a href="https://t.me/currency_patrol">ФинПатруль</a>`,
	})
}

func TestRenderHeaderUsesLocalTime(t *testing.T) {
	at := time.Date(2024, 5, 31, 21, 0, 0, 0, time.UTC)
	out := newTestRenderer().Render(at, nil, nil, nil)
	if !strings.HasPrefix(out, "<b>🚓 01.06.2024</b> 🕒 Upd: <code>00:00 МСК</code>\n\n") {
		t.Fatalf("页眉错误: %q", out)
	}
}

func TestRenderPlaceholders(t *testing.T) {
	out := newTestRenderer().Render(time.Now(), nil, snapshot.Records{}, nil)
	for _, want := range []string{
		"❌ Нет данных о курсах ЦБ РФ.",
		"❌ Нет данных о финансовых инструментах.",
		"❌ Нет данных о криптовалютах.",
		"ФинПатруль",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("缺少占位内容 %q:\n%s", want, out)
		}
	}
}

func TestRenderLines(t *testing.T) {
	cbr := snapshot.Records{
		"EUR-RUB": {Value: 97.5},
		"USD-RUB": {
			Value:           95.5,
			ThresholdFlag:   "🏅",
			IntervalChanges: snapshot.IntervalChanges{Hour: snapshot.Float(0.005), Day: snapshot.Float(6.11)},
		},
	}
	finance := snapshot.Records{
		"S&P 500": {Value: 5304.72, Stale: true},
	}
	crypto := snapshot.Records{
		"BTC":  {Value: 67123.46, IntervalChanges: snapshot.IntervalChanges{Day: snapshot.Float(-6)}},
		"PEPE": {Value: 0.0000123, Spike: snapshot.SpikeHour, IntervalChanges: snapshot.IntervalChanges{Hour: snapshot.Float(12.3)}},
	}

	out := newTestRenderer().Render(time.Now(), cbr, finance, crypto)

	usd := strings.Index(out, "USD-RUB")
	eur := strings.Index(out, "EUR-RUB")
	if usd < 0 || eur < 0 || usd > eur {
		t.Fatalf("应按配置顺序输出:\n%s", out)
	}
	for _, want := range []string{
		"🇺🇸 USD-RUB 🏅: <code>95,50</code>\n     h:    0.00%   d: ▲  6.11%\n",
		"📈 S&amp;P 500: <code>5 304,72 ⏳</code>\n",
		"₿ BTC: <code>67 123,46</code>\n     d: 🔻🔻  6.00%\n",
		"<b>🔥 Резкие движения:</b>\n🐸 PEPE <i>(1h)</i>: <code>0,0000</code>\n     h: 🚀 12.30%\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("缺少行 %q:\n%s", want, out)
		}
	}
}

func TestFormatNumber(t *testing.T) {
	cases := []struct {
		v      float64
		places int32
		want   string
	}{
		{1234.56, 2, "1 234,56"},
		{67123.46, 2, "67 123,46"},
		{0.1235, 4, "0,1235"},
		{-1234567.891, 2, "-1 234 567,89"},
		{95.5, 2, "95,50"},
		{100, 2, "100,00"},
	}
	for _, tc := range cases {
		if got := FormatNumber(tc.v, tc.places); got != tc.want {
			t.Errorf("FormatNumber(%v, %d) = %q, 期望 %q", tc.v, tc.places, got, tc.want)
		}
	}
}

func TestFormatChange(t *testing.T) {
	cases := []struct {
		label  string
		pct    float64
		crypto bool
		want   string
	}{
		{"h", 0.01, true, "h:    0.00%"},
		{"d", -0.01, false, "d:    0.00%"},
		{"d", 1.5, false, "d: ▲  1.50%"},
		{"w", -7, false, "w: ▼  7.00%"},
		{"h", 2, true, "h: 🟢  2.00%"},
		{"w", -6, true, "w: 🔻🔻  6.00%"},
		{"h", 12.3, true, "h: 🚀 12.30%"},
		{"d", -11, true, "d: 💥 11.00%"},
	}
	for _, tc := range cases {
		if got := FormatChange(tc.label, tc.pct, tc.crypto); got != tc.want {
			t.Errorf("FormatChange(%v) = %q, 期望 %q", tc.pct, got, tc.want)
		}
	}
}

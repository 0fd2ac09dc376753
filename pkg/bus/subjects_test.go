package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjectBuilders(t *testing.T) {
	assert.Equal(t, "trades.execute.BTC-KRW", TradeSubject("BTC-KRW"))
	assert.Equal(t, "events.trade.AAPL", TradeEventSubject("AAPL"))
	assert.Equal(t, "events.liquidation.user-1", LiquidationSubject("user-1"))
	assert.Equal(t, "audit.wallet_tx", AuditSubject("wallet_tx"))
	assert.Equal(t, "prices.AAPL", PriceSubject("AAPL"))
}

func TestSanitizeKeepsSubjectsTokenSafe(t *testing.T) {
	// Dots and wildcards in ids must not split or widen the subject.
	assert.Equal(t, "trades.execute.BRK-B", TradeSubject("BRK.B"))
	assert.Equal(t, "prices.A-B", PriceSubject("A*B"))
	assert.Equal(t, "prices.A-B", PriceSubject("A>B"))
	assert.Equal(t, "prices.A-B", PriceSubject("A B"))
}

func TestParseSubject(t *testing.T) {
	channel, kind, key := ParseSubject("events.trade.AAPL")
	assert.Equal(t, "events", channel)
	assert.Equal(t, "trade", kind)
	assert.Equal(t, "AAPL", key)

	channel, kind, key = ParseSubject("audit.wallet_tx")
	assert.Equal(t, "audit", channel)
	assert.Equal(t, "wallet_tx", kind)
	assert.Empty(t, key)
}

func TestStreamSubjectsCoverChannels(t *testing.T) {
	assert.Equal(t, []string{"trades.>"}, GetStreamSubjects(StreamTrades))
	assert.Equal(t, []string{"events.>"}, GetStreamSubjects(StreamEvents))
	assert.Equal(t, []string{"audit.>"}, GetStreamSubjects(StreamAudit))
	assert.Empty(t, GetStreamSubjects("UNKNOWN"))
}

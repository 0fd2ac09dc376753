package bus

import (
	"fmt"
	"strings"
)

// Subject naming convention:
// {channel}.{kind}.{key}
// Examples:
// - trades.execute.BTC-KRW        (durable work queue)
// - events.trade.BTC-KRW
// - events.liquidation.0f9c...    (user id)
// - audit.wallet_tx
// - prices.BTC-KRW                (ephemeral tick fan-out)

// Stream names for JetStream
const (
	StreamTrades = "TRADES"
	StreamEvents = "EVENTS"
	StreamAudit  = "AUDIT"
)

// GetStreamSubjects returns the subject filter for a stream.
func GetStreamSubjects(streamName string) []string {
	switch streamName {
	case StreamTrades:
		return []string{"trades.>"}
	case StreamEvents:
		return []string{"events.>"}
	case StreamAudit:
		return []string{"audit.>"}
	default:
		return []string{}
	}
}

// TradeSubject is the work-queue subject for one ticker's executions.
func TradeSubject(tickerID string) string {
	return fmt.Sprintf("trades.execute.%s", sanitize(tickerID))
}

// TradeEventSubject carries trade_executed / order_created / order_cancelled.
func TradeEventSubject(tickerID string) string {
	return fmt.Sprintf("events.trade.%s", sanitize(tickerID))
}

// HumanEventSubject carries HUMAN-ticker lifecycle events.
func HumanEventSubject(tickerID string) string {
	return fmt.Sprintf("events.human.%s", sanitize(tickerID))
}

// LiquidationSubject carries forced-liquidation notices per user.
func LiquidationSubject(userID string) string {
	return fmt.Sprintf("events.liquidation.%s", sanitize(userID))
}

// AuditSubject carries one audit event kind (wallet_tx, portfolio_history,
// order_status_history).
func AuditSubject(kind string) string {
	return fmt.Sprintf("audit.%s", sanitize(kind))
}

// PriceSubject is the ephemeral tick subject for a ticker.
func PriceSubject(tickerID string) string {
	return fmt.Sprintf("prices.%s", sanitize(tickerID))
}

// PriceSubjectAll subscribes to every ticker's ticks.
const PriceSubjectAll = "prices.>"

// Request-reply subjects for the order intake front.
const (
	OrderSubmitSubject = "orders.submit"
	OrderCancelSubject = "orders.cancel"
)

// sanitize keeps ticker/user ids token-safe for NATS subjects.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, ".", "-")
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, "*", "-")
	s = strings.ReplaceAll(s, ">", "-")
	return s
}

// ParseSubject splits a subject into channel, kind and key.
func ParseSubject(subject string) (channel, kind, key string) {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) > 0 {
		channel = parts[0]
	}
	if len(parts) > 1 {
		kind = parts[1]
	}
	if len(parts) > 2 {
		key = parts[2]
	}
	return
}

package broker

import (
	"strconv"
	"strings"
)

// Broker responses come back in several container shapes: a direct list, a
// wrapped object with the list under a varying key, or a wrapped object with
// no container at all. normalizeRows folds them into one tagged result so no
// call site ever branches on shape.
type payloadTag int

const (
	payloadRows  payloadTag = iota // rows carries data
	payloadEmpty                   // success, nothing there
	payloadBad                     // cannot be trusted
)

var containerKeys = []string{"data", "result", "net", "day", "orders", "positions", "values"}

func normalizeRows(payload any) ([]map[string]any, payloadTag) {
	switch v := payload.(type) {
	case nil:
		return nil, payloadBad
	case []map[string]any:
		if len(v) == 0 {
			return nil, payloadEmpty
		}
		return v, payloadRows
	case []any:
		if len(v) == 0 {
			return nil, payloadEmpty
		}
		rows := make([]map[string]any, 0, len(v))
		for _, item := range v {
			row, ok := item.(map[string]any)
			if !ok {
				return nil, payloadBad
			}
			rows = append(rows, row)
		}
		return rows, payloadRows
	case map[string]any:
		if status, ok := v["status"].(string); ok && strings.EqualFold(status, "error") {
			return nil, payloadBad
		}
		for _, key := range containerKeys {
			inner, present := v[key]
			if !present {
				continue
			}
			if inner == nil {
				return nil, payloadEmpty
			}
			return normalizeRows(inner)
		}
		return nil, payloadBad
	default:
		return nil, payloadBad
	}
}

// normalizeObject extracts a single record from a payload that may be the
// record itself or a wrapper around it.
func normalizeObject(payload any) (map[string]any, payloadTag) {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, payloadBad
	}
	if status, sok := m["status"].(string); sok && strings.EqualFold(status, "error") {
		return nil, payloadBad
	}
	for _, key := range containerKeys {
		if inner, present := m[key]; present {
			if inner == nil {
				return nil, payloadEmpty
			}
			if obj, iok := inner.(map[string]any); iok {
				return obj, payloadRows
			}
			return nil, payloadBad
		}
	}
	return m, payloadRows
}

func fieldStr(row map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := row[k]; ok {
			switch s := v.(type) {
			case string:
				return s
			case float64:
				return strconv.FormatFloat(s, 'f', -1, 64)
			}
		}
	}
	return ""
}

func fieldNum(row map[string]any, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := row[k]; ok {
			switch n := v.(type) {
			case float64:
				return n
			case int:
				return float64(n)
			case string:
				if f, err := strconv.ParseFloat(n, 64); err == nil {
					return f
				}
			}
		}
	}
	return 0
}

func fieldInt(row map[string]any, keys ...string) int {
	return int(fieldNum(row, keys...))
}

func parseOrders(rows []map[string]any) []BrokerOrder {
	out := make([]BrokerOrder, 0, len(rows))
	for _, row := range rows {
		out = append(out, BrokerOrder{
			OrderID:   fieldStr(row, "order_id", "orderid", "id"),
			Exchange:  fieldStr(row, "exchange", "exch"),
			Symbol:    fieldStr(row, "symbol", "tradingsymbol"),
			Side:      Side(strings.ToUpper(fieldStr(row, "side", "transaction_type", "action"))),
			Qty:       fieldInt(row, "qty", "quantity"),
			FilledQty: fieldInt(row, "filled_qty", "filled_quantity", "fillshares"),
			AvgPrice:  fieldNum(row, "avg_price", "average_price"),
			State:     mapOrderState(fieldStr(row, "status", "order_status")),
			Message:   fieldStr(row, "message", "status_message", "rejection_reason"),
			Tag:       fieldStr(row, "tag", "remarks"),
		})
	}
	return out
}

func mapOrderState(raw string) OrderState {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "COMPLETE", "FILLED", "EXECUTED":
		return StateComplete
	case "REJECTED":
		return StateRejected
	case "CANCELLED", "CANCELED":
		return StateCancelled
	case "EXPIRED", "LAPSED":
		return StateExpired
	case "OPEN", "TRIGGER PENDING":
		return StateOpen
	default:
		return StatePending
	}
}

func parsePositions(rows []map[string]any) []NetPosition {
	out := make([]NetPosition, 0, len(rows))
	for _, row := range rows {
		out = append(out, NetPosition{
			Exchange:  fieldStr(row, "exchange", "exch"),
			Symbol:    fieldStr(row, "symbol", "tradingsymbol"),
			Product:   fieldStr(row, "product", "prd"),
			NetQty:    fieldInt(row, "net_qty", "netqty", "quantity"),
			AvgPrice:  fieldNum(row, "avg_price", "average_price"),
			LastPrice: fieldNum(row, "last_price", "ltp"),
			PnL:       fieldNum(row, "pnl", "unrealised", "urmtom"),
		})
	}
	return out
}

func parseLimits(row map[string]any) Limits {
	return Limits{
		Cash:            fieldNum(row, "cash", "available_cash"),
		MarginUsed:      fieldNum(row, "margin_used", "utilised"),
		MarginAvailable: fieldNum(row, "margin_available", "net"),
	}
}

func parseHoldings(rows []map[string]any) []Holding {
	out := make([]Holding, 0, len(rows))
	for _, row := range rows {
		out = append(out, Holding{
			Symbol:   fieldStr(row, "symbol", "tradingsymbol"),
			Qty:      fieldInt(row, "qty", "quantity"),
			AvgPrice: fieldNum(row, "avg_price", "average_price"),
		})
	}
	return out
}

func parseQuote(row map[string]any) Quote {
	return Quote{
		Symbol: fieldStr(row, "symbol", "tradingsymbol"),
		Last:   fieldNum(row, "last", "ltp", "last_price"),
		Bid:    fieldNum(row, "bid", "best_bid"),
		Ask:    fieldNum(row, "ask", "best_ask"),
	}
}

func parseMatches(rows []map[string]any) []SymbolMatch {
	out := make([]SymbolMatch, 0, len(rows))
	for _, row := range rows {
		out = append(out, SymbolMatch{
			Exchange: fieldStr(row, "exchange", "exch"),
			Symbol:   fieldStr(row, "symbol", "tradingsymbol"),
			Name:     fieldStr(row, "name", "description"),
		})
	}
	return out
}

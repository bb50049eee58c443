package risk

import "crypto-futures-trader/internal/service"

// PositionSize 每笔投入 tradeValue 的保证金，按杠杆换算数量。
// 余额不足或数量低于 minQty 时返回 0。
func PositionSize(balance, tradeValue, price float64, leverage, qtyDecimals int, minQty float64) float64 {
	if price <= 0 || tradeValue <= 0 || balance < tradeValue {
		return 0
	}
	qty := service.RoundTo(tradeValue/price*float64(leverage), qtyDecimals)
	if qty <= 0 || qty < minQty {
		return 0
	}
	return qty
}

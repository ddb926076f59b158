package broker

import (
	"fmt"
	"strings"

	"broker/internal/models"
)

// swapQuote - промежуточный котируемый актив, через который исполняются свопы
const swapQuote = "USDT"

// quoteRank - канонический порядок активов на quote-стороне биржевого символа.
// Чем меньше ранг, тем сильнее актив тяготеет к quote-стороне: биржи
// котируют ORN-USDT и ETH-BTC, а не наоборот.
var quoteRank = map[string]int{
	"USDT": 0,
	"USDC": 1,
	"BTC":  2,
	"ETH":  3,
}

func rank(asset string) int {
	if r, ok := quoteRank[asset]; ok {
		return r
	}
	return len(quoteRank) + 1
}

// canonicalPair упорядочивает два актива в биржевой символ.
// reverted=true означает что first оказался на quote-стороне, то есть
// сторона ордера для него инвертируется.
func canonicalPair(first, second string) (symbol string, reverted bool) {
	if rank(first) < rank(second) {
		return second + "-" + first, true
	}
	return first + "-" + second, false
}

// swapLeg - одна биржевая нога свопа
type swapLeg struct {
	Symbol string // канонический биржевой символ
	Side   string // сторона относительно канонического символа
}

// legFor строит ногу для актива свопа. disposing=true - актив продаётся,
// false - приобретается. Для swapQuote нога не нужна: средства уже в нём.
func legFor(asset string, disposing bool) *swapLeg {
	if asset == swapQuote {
		return nil
	}

	symbol, reverted := canonicalPair(asset, swapQuote)

	side := models.SideSell
	if disposing == reverted {
		side = models.SideBuy
	}
	return &swapLeg{Symbol: symbol, Side: side}
}

// resolveSwapLegs разбирает своп "A-B" (продать A, получить B) на биржевые
// ноги, деноминированные в swapQuote. Любая из ног может отсутствовать,
// если соответствующий актив и есть swapQuote; обе отсутствовать не могут.
func resolveSwapLegs(symbol string) (sell, buy *swapLeg, err error) {
	parts := strings.SplitN(symbol, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, nil, fmt.Errorf("bad swap symbol %q", symbol)
	}

	from := strings.ToUpper(parts[0])
	to := strings.ToUpper(parts[1])
	if from == to {
		return nil, nil, fmt.Errorf("swap %q: same asset on both sides", symbol)
	}

	sell = legFor(from, true)
	buy = legFor(to, false)
	if sell == nil && buy == nil {
		return nil, nil, fmt.Errorf("swap %q: no exchange legs", symbol)
	}
	return sell, buy, nil
}

// swapSourceAsset - актив, который своп расходует (для проверки баланса)
func swapSourceAsset(symbol string) string {
	parts := strings.SplitN(symbol, "-", 2)
	return strings.ToUpper(parts[0])
}

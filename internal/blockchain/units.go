package blockchain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals - фиксированная точность контракта расчётов.
// Квантование должно быть бит-в-бит совместимо с контрактом: любые суммы
// переводятся в целые базовые единицы 10^-8 до хеширования и подписи.
const Decimals = 8

var baseUnit = decimal.New(1, Decimals)

// ToBaseUnits переводит сумму в целые базовые единицы контракта.
// Лишние знаки отбрасываются в сторону нуля - так же, как это делает контракт.
func ToBaseUnits(amount decimal.Decimal) *big.Int {
	return amount.Mul(baseUnit).Truncate(0).BigInt()
}

// ToBaseUnitsUint64 переводит сумму в uint64 базовых единиц
func ToBaseUnitsUint64(amount decimal.Decimal) (uint64, error) {
	v := ToBaseUnits(amount)
	if v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("amount %s out of uint64 base-unit range", amount)
	}
	return v.Uint64(), nil
}

// FromBaseUnits переводит целые базовые единицы обратно в сумму
func FromBaseUnits(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, -Decimals)
}

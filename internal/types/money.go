// README: Common money value object used across modules.
package types

import "fmt"

// DefaultCurrency is used when a record carries no currency of its own.
const DefaultCurrency = "EUR"

// Money is an amount in minor units (cents).
type Money struct {
	Amount   int64
	Currency string
}

func Cents(amount int64) Money {
	return Money{Amount: amount, Currency: DefaultCurrency}
}

func (m Money) IsPositive() bool {
	return m.Amount > 0
}

func (m Money) String() string {
	cur := m.Currency
	if cur == "" {
		cur = DefaultCurrency
	}
	sign := ""
	amount := m.Amount
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, cur)
}

package telegram

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Kerhoff/wishpool/internal/ledger"
	"github.com/Kerhoff/wishpool/internal/models"
)

// FormatReservation renders an owner notification. It only ever sees
// totals, never who reserved.
func FormatReservation(w models.Wishlist, item models.Item, reservedTotal decimal.Decimal) string {
	total := reservedTotal.StringFixed(ledger.MoneyScale)
	ceiling, capped := item.Ceiling()
	if !capped {
		return fmt.Sprintf("🎁 %s\n%s: %s reserved so far", w.Title, item.Title, total)
	}
	text := fmt.Sprintf("🎁 %s\n%s: %s of %s reserved", w.Title, item.Title, total, ceiling.StringFixed(ledger.MoneyScale))
	if reservedTotal.GreaterThanOrEqual(ceiling) {
		text += "\nFully covered ✅"
	}
	return text
}

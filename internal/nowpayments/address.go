package nowpayments

import (
	"strings"

	"github.com/tonkeeper/tongo/ton"
)

// DisplayAddress returns the pay-in address as it should be shown to the payer.
// TON addresses are converted to the user-friendly bounceable form; anything
// else is returned unchanged.
func DisplayAddress(currency, addr string) string {
	if addr == "" || !strings.EqualFold(currency, "ton") {
		return addr
	}

	acc, err := ton.ParseAccountID(addr)
	if err != nil {
		return addr
	}
	return acc.ToHuman(true, false)
}

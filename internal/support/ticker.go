package support

import "time"

// DrainTicker discards a pending tick so a Reset does not fire immediately.
func DrainTicker(ticker *time.Ticker) {
	for {
		select {
		case <-ticker.C:
		default:
			return
		}
	}
}

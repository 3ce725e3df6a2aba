package broker

import "time"

const (
	TokenLifetime   = tokenLifetime
	RefreshHeadroom = refreshHeadroom
)

// SetNow overrides the broker's clock in tests.
func (b *TokenBroker) SetNow(now func() time.Time) {
	b.now = now
}

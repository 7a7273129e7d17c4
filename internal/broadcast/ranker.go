package broadcast

import (
	"slices"
	"time"

	"github.com/samber/lo"

	"stayintouch/internal/storage"
)

// RankContacts orders contacts never called first, then by LastCallAt
// ascending. Ties keep the input (insertion) order. The input is not modified.
func RankContacts(contacts []storage.Contact) []storage.Contact {
	never, called := lo.FilterReject(contacts, func(c storage.Contact, _ int) bool {
		return c.NeverCalled()
	})
	slices.SortStableFunc(called, func(a, b storage.Contact) int {
		return a.LastCallAt.Compare(*b.LastCallAt)
	})
	return append(never, called...)
}

// splitRecent drops contacts called within window of now, keeping order.
// A zero window disables the skip.
func splitRecent(ranked []storage.Contact, now time.Time, window time.Duration) (eligible []storage.Contact, skipped []string) {
	if window <= 0 {
		return ranked, nil
	}
	eligible, recent := lo.FilterReject(ranked, func(c storage.Contact, _ int) bool {
		return c.NeverCalled() || now.Sub(*c.LastCallAt) >= window
	})
	return eligible, lo.Map(recent, func(c storage.Contact, _ int) string { return c.ContactUser })
}

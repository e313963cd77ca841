package poll

import (
	"time"

	"go.arbor.social/arbor/pkg/contact"
	"go.arbor.social/arbor/pkg/queue"
)

// Poll ratings. The rating indexes the interval table below; feed and mail
// contacts carry their own rating, federated protocols poll daily, archived
// and unsupported contacts monthly.
const (
	ratingUrgent  = 0
	ratingDaily   = 8
	ratingMonthly = 10
)

// intervals maps a rating to the minimum time between polls.
// Rating 0 falls back to the configured minimum interval.
var intervals = [...]time.Duration{
	0, // configured minimum
	15 * time.Minute,
	30 * time.Minute,
	time.Hour,
	2 * time.Hour,
	3 * time.Hour,
	6 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
	7 * 24 * time.Hour,
	30 * 24 * time.Hour,
}

// rating returns the poll rating of a contact.
func rating(c *contact.Contact) int {
	if c.Archive {
		return ratingMonthly
	}
	switch c.Network {
	case contact.NetworkFeed, contact.NetworkMail:
		r := c.Rating
		if r < ratingUrgent {
			r = ratingUrgent
		}
		if r > ratingMonthly {
			r = ratingMonthly
		}
		return r
	case contact.NetworkDFRN, contact.NetworkOStatus:
		return ratingDaily
	default:
		return ratingMonthly
	}
}

// Interval returns the poll interval of a contact.
func Interval(c *contact.Contact, min time.Duration) time.Duration {
	iv := intervals[rating(c)]
	if iv < min {
		iv = min
	}
	return iv
}

// Due returns whether a contact's next poll has come.
func Due(c *contact.Contact, now time.Time, min time.Duration) bool {
	return !now.Before(c.LastUpdate.Add(Interval(c, min)))
}

// pollPriority picks the queue priority of a poll job. Archived contacts
// trail behind everything, urgent feed and mail subscriptions jump ahead of
// the daily bulk.
func pollPriority(c *contact.Contact) queue.Priority {
	if c.Archive {
		return queue.PriorityNegligible
	}
	switch c.Network {
	case contact.NetworkFeed, contact.NetworkMail:
		if c.Rating <= 3 {
			return queue.PriorityMedium
		}
	}
	return queue.PriorityLow
}

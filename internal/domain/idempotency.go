package domain

import (
	"errors"
	"time"
)

// DefaultMarkerTTL - окно дедупликации повторных доставок. После него
// повтор того же токена будет применён снова: это ограниченный риск,
// а не гарантия exactly-once.
const DefaultMarkerTTL = 24 * time.Hour

// ErrAppliedTokenNotFound возвращается, если токен не применялся или уже очищен.
var ErrAppliedTokenNotFound = errors.New("applied token not found")

// AppliedToken - долговременная отметка о применённом списании.
type AppliedToken struct {
	Token     string
	ProductID int64
	TTLAt     time.Time
	CreatedAt time.Time
}

// Expired сообщает, истекло ли окно дедупликации на момент now.
func (t AppliedToken) Expired(now time.Time) bool {
	return !t.TTLAt.After(now)
}

// MarkerKey возвращает ключ маркера идемпотентности в CounterStore.
func MarkerKey(token string) string {
	return "decrease_mark_" + token
}

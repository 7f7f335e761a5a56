package domain

// Decision - решение по half-сообщению.
type Decision string

const (
	// DecisionCommit делает сообщение видимым для потребителей.
	DecisionCommit Decision = "commit"
	// DecisionRollback отбрасывает сообщение.
	DecisionRollback Decision = "rollback"
	// DecisionUnknown откладывает решение до следующего check-back.
	DecisionUnknown Decision = "unknown"
)

// SyncOutcome - результат применения события к долговременному остатку.
type SyncOutcome string

const (
	SyncApplied   SyncOutcome = "applied"
	SyncDuplicate SyncOutcome = "duplicate"
	SyncFailed    SyncOutcome = "failed"
)

// SyncResult возвращается потребителем на каждую доставку.
type SyncResult struct {
	Outcome   SyncOutcome
	Token     string
	Retryable bool
	Err       error
}

// Applied возвращает результат успешного применения.
func Applied(token string) SyncResult {
	return SyncResult{Outcome: SyncApplied, Token: token}
}

// Duplicate возвращает результат для повторной доставки.
func Duplicate(token string) SyncResult {
	return SyncResult{Outcome: SyncDuplicate, Token: token}
}

// Failed возвращает результат ошибки; retryable вычисляется по err.
func Failed(token string, err error) SyncResult {
	return SyncResult{Outcome: SyncFailed, Token: token, Retryable: IsRetryable(err), Err: err}
}

// Settled сообщает, что доставку можно подтвердить брокеру.
func (r SyncResult) Settled() bool {
	return r.Outcome == SyncApplied || r.Outcome == SyncDuplicate
}

package websocket

import "time"

// RetryPolicy задает автоматическое переподключение после сбоя
type RetryPolicy struct {
	MaxAttempts int           // сколько попыток подряд допускается; 0 отключает повтор
	Backoff     time.Duration // пауза перед каждой попыткой
}

// DefaultRetryPolicy - одна попытка через 2 секунды
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, Backoff: 2 * time.Second}
}

// retrier считает попытки и держит таймер отложенного переподключения.
// Защищен мьютексом сессии.
type retrier struct {
	policy   RetryPolicy
	attempts int
	timer    *time.Timer
}

func newRetrier(p RetryPolicy) *retrier {
	return &retrier{policy: p}
}

// schedule ставит fn в очередь, если бюджет попыток не исчерпан
func (r *retrier) schedule(fn func()) bool {
	if r.timer != nil {
		return true
	}
	if r.attempts >= r.policy.MaxAttempts {
		return false
	}
	r.attempts++
	r.timer = time.AfterFunc(r.policy.Backoff, fn)
	return true
}

// fired вызывается из fn, когда таймер сработал
func (r *retrier) fired() {
	r.timer = nil
}

func (r *retrier) cancel() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// reset отменяет таймер и возвращает бюджет попыток
func (r *retrier) reset() {
	r.cancel()
	r.attempts = 0
}

func (r *retrier) pending() bool {
	return r.timer != nil
}

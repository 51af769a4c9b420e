package ratelimit

// MessageLimiter admits at most perSecond messages per second with a burst of
// the same size. A nil *MessageLimiter admits everything.
type MessageLimiter struct {
	bucket *TokenBucket
}

// NewMessageLimiter returns nil when perSecond <= 0 (unlimited).
func NewMessageLimiter(clock Clock, perSecond int) *MessageLimiter {
	if perSecond <= 0 {
		return nil
	}
	return &MessageLimiter{bucket: NewTokenBucket(clock, int64(perSecond), int64(perSecond))}
}

func (l *MessageLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.bucket.Allow(1)
}

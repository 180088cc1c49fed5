package errorsx

import "testing"

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonChatService)
	if Reason(err) != ReasonChatService {
		t.Fatalf("expected reason %s, got %s", ReasonChatService, Reason(err))
	}
	if !HasReason(err, ReasonChatService) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonSTTNetwork)
	second := Wrap(first, ReasonChatService)
	if Reason(second) != ReasonSTTNetwork {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestRetryableClassification(t *testing.T) {
	if !IsRetryable(Wrap(assertErr{}, ReasonSTTNetwork)) {
		t.Fatalf("expected network error retryable")
	}
	if IsRetryable(Wrap(assertErr{}, ReasonSTTService)) {
		t.Fatalf("service errors must not be retryable")
	}
	if IsRetryable(Wrap(assertErr{}, ReasonSTTPayload)) {
		t.Fatalf("local precondition failures must not be retryable")
	}
}

func TestCancelledNeverRetryable(t *testing.T) {
	err := Wrap(assertErr{}, ReasonCancelled)
	if !IsCancelled(err) {
		t.Fatalf("expected IsCancelled true")
	}
	if IsRetryable(err) {
		t.Fatalf("cancelled must not be retryable")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

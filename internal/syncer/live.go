package syncer

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

// live waits for the chain to advance, through the log subscription when push is available
// and by polling the chain height otherwise.
func (s *syncerImpl) live(ctx context.Context, sc *SyncContext) error {
	if s.pushEnabled(sc) {
		return s.stream(ctx, sc)
	}
	return s.poll(ctx, sc)
}

func (s *syncerImpl) pushEnabled(sc *SyncContext) bool {
	return !sc.pushDisabled && s.client.SupportsPush()
}

func (s *syncerImpl) poll(ctx context.Context, sc *SyncContext) error {
	sc.closeSubscription()
	if !s.wait(ctx, s.config.Sync.PollInterval) {
		return nil
	}

	height, err := s.client.CurrentHeight(s.rpcContext(ctx, sc))
	if err != nil {
		return s.onRPCError(sc, xerrors.Errorf("failed to get current height: %w", err))
	}

	sc.chainHeight = height
	if target, ok := s.target(height); ok && target >= sc.next {
		sc.state = StateCatchingUp
	}
	return nil
}

// stream dials the log subscription if needed and waits for the next notification.
// A successful (re)subscribe and every notification trigger a catch-up.
func (s *syncerImpl) stream(ctx context.Context, sc *SyncContext) error {
	if sc.subscription == nil {
		subscription, err := s.client.SubscribeLogs(ctx, s.contract)
		if err != nil {
			s.onSubscriptionFailure(sc, xerrors.Errorf("failed to subscribe logs: %w", err))
			return nil
		}

		s.logger.Info("subscribed to contract logs", zap.Int("reconnect_failures", sc.reconnectFailures))
		sc.subscription = subscription
		sc.reconnectFailures = 0
		sc.reconnectBackoff.Reset()
		sc.state = StateCatchingUp
		return nil
	}

	// Notifications only arrive for contract logs, so the ticker keeps confirmations moving.
	timer := time.NewTimer(s.config.Sync.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil

	case requestID := <-s.refreshRequests:
		s.requeueHardRefresh(requestID)
		return nil

	case l, ok := <-sc.subscription.Logs():
		if !ok {
			s.onSubscriptionFailure(sc, xerrors.New("subscription closed"))
			return nil
		}

		s.logger.Debug("received log notification", zap.Uint64("block", l.BlockNumber), zap.Uint("log_index", l.Index))
		s.drainNotifications(sc)
		sc.state = StateCatchingUp
		return nil

	case err, ok := <-sc.subscription.Err():
		if !ok || err == nil {
			err = xerrors.New("subscription closed")
		}
		s.onSubscriptionFailure(sc, err)
		return nil

	case <-timer.C:
		sc.state = StateCatchingUp
		return nil
	}
}

// drainNotifications discards pending notifications; one catch-up covers all of them.
func (s *syncerImpl) drainNotifications(sc *SyncContext) {
	for {
		select {
		case _, ok := <-sc.subscription.Logs():
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (s *syncerImpl) onSubscriptionFailure(sc *SyncContext, err error) {
	sc.closeSubscription()
	sc.reconnectFailures++
	sc.lastErr = err
	s.metrics.reconnects.Inc(1)

	maxAttempts := s.config.Sync.MaxReconnectAttempts
	if sc.reconnectFailures >= maxAttempts {
		sc.pushDisabled = true
		sc.state = StateLive
		s.logger.Error(
			"disabling push mode, falling back to polling",
			zap.Int("failures", sc.reconnectFailures),
			zap.Error(err),
		)
		return
	}

	sc.state = StateReconnecting
	s.logger.Warn(
		"subscription failed",
		zap.Int("failures", sc.reconnectFailures),
		zap.Int("max_attempts", maxAttempts),
		zap.Error(err),
	)
}

// reconnect waits out the reconnect backoff before the next subscribe attempt.
func (s *syncerImpl) reconnect(ctx context.Context, sc *SyncContext) error {
	delay := sc.reconnectBackoff.NextBackOff()
	s.logger.Info("reconnecting subscription", zap.Duration("backoff", delay))
	if !s.wait(ctx, delay) {
		return nil
	}

	sc.state = StateLive
	return nil
}

// wait sleeps for d and reports whether it ran to completion.
// It returns early on shutdown and on a hard refresh request, which is left pending.
func (s *syncerImpl) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case requestID := <-s.refreshRequests:
		s.requeueHardRefresh(requestID)
		return false
	case <-timer.C:
		return true
	}
}

// background sweep that fails payments nobody paid for

package order

import (
	"context"
	"time"

	"go.uber.org/zap"

	"shopsifu/payment/db"
)

const (
	defaultPaymentTTL    = 30 * time.Minute // twice the gateway URL expiry
	defaultSweepInterval = time.Minute
)

// urlGrace covers a shopper who opens the pay URL just before it expires.
const urlGrace = 5 * time.Minute

// ExpireStalePayments fails every payment still PENDING after the TTL, or after
// its ExpiresAt once a pay URL was issued. It goes through the ledger, so a
// callback or a new pay URL arriving at the same moment either wins or finds
// the payment already terminal.
func (s *Service) ExpireStalePayments(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := now.Add(-s.cfg.TTL)
	ids, err := s.ledger.StalePending(ctx, cutoff, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		res, err := s.ledger.ExpirePayment(ctx, id, cutoff, now)
		if err != nil {
			s.log.Error("failed to expire payment", zap.Uint("payment_id", id), zap.Error(err))
			continue
		}
		if res.Changed {
			expired++
			s.log.Info("payment expired", zap.Uint("payment_id", id))
		}
	}
	return expired, nil
}

// HoldForPaymentURL keeps p out of the sweep while a pay URL valid for urlTTL
// can still be paid, and never earlier than the checkout TTL.
func (s *Service) HoldForPaymentURL(ctx context.Context, p *db.Payment, urlTTL time.Duration) (time.Time, error) {
	until := s.now().Add(urlTTL + urlGrace)
	if floor := p.CreatedAt.Add(s.cfg.TTL); until.Before(floor) {
		until = floor
	}
	if err := s.ledger.ExtendExpiry(ctx, p.ID, until); err != nil {
		return time.Time{}, err
	}
	return until, nil
}

// StartExpirySweep runs ExpireStalePayments every SweepInterval until ctx is done.
func (s *Service) StartExpirySweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.ExpireStalePayments(ctx); err != nil && ctx.Err() == nil {
					s.log.Error("expiry sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"key-delivery-service/internal/domain"
)

// DefaultScanLimit は1回の検証で調べる直近トランザクション数。
const DefaultScanLimit = 40

// Ledger は支払い検証に使う台帳の読み取りインターフェース。
type Ledger interface {
	RecentSignatures(ctx context.Context, address string, limit int) ([]domain.LedgerSignature, error)
	Transaction(ctx context.Context, signature string) (*domain.LedgerTransaction, error)
}

// PaymentVerifier は台帳上の送金が注文の支払い条件に一致するかを検証する。
// 読み取りのみで副作用はない。
type PaymentVerifier struct {
	ledger    Ledger
	scanLimit int
	metrics   Recorder
	now       func() time.Time
}

// NewPaymentVerifier は新しいPaymentVerifierを生成する。scanLimit が0以下なら DefaultScanLimit を使う。
func NewPaymentVerifier(ledger Ledger, scanLimit int, metrics Recorder) *PaymentVerifier {
	if scanLimit <= 0 {
		scanLimit = DefaultScanLimit
	}
	return &PaymentVerifier{
		ledger:    ledger,
		scanLimit: scanLimit,
		metrics:   recorderOrNop(metrics),
		now:       time.Now,
	}
}

// VerifyPayment は recipient 宛ての直近のトランザクションから、memo が完全一致し
// かつ受取人の残高増加がちょうど expected のものを探す。最初に一致したものを返す。
// 一致しない場合は Matched=false を返し、エラーにはしない。
func (v *PaymentVerifier) VerifyPayment(ctx context.Context, recipient string, expected uint64, memo string) (*domain.PaymentMatch, error) {
	sigs, err := v.ledger.RecentSignatures(ctx, recipient, v.scanLimit)
	if err != nil {
		v.metrics.PaymentChecked("error")
		return nil, fmt.Errorf("%w: listing signatures: %w", domain.ErrLedgerUnavailable, err)
	}

	for _, sig := range sigs {
		if sig.Failed {
			continue
		}
		tx, err := v.ledger.Transaction(ctx, sig.Signature)
		if err != nil {
			v.metrics.PaymentChecked("error")
			return nil, fmt.Errorf("%w: fetching transaction: %w", domain.ErrLedgerUnavailable, err)
		}
		if tx == nil || tx.Failed {
			continue
		}
		if !tx.HasMemo(memo) {
			continue
		}
		delta, ok := tx.BalanceDelta(recipient)
		if !ok || delta < 0 || uint64(delta) != expected {
			slog.DebugContext(ctx, "memo matched but amount differs",
				"operation", "verify_payment",
				"tx_ref", sig.Signature,
				"delta", delta,
				"expected", expected,
			)
			continue
		}

		confirmedAt := v.now().UTC()
		switch {
		case tx.BlockTime != nil:
			confirmedAt = *tx.BlockTime
		case sig.BlockTime != nil:
			confirmedAt = *sig.BlockTime
		}

		v.metrics.PaymentChecked("matched")
		return &domain.PaymentMatch{
			Matched:     true,
			TxRef:       sig.Signature,
			Slot:        tx.Slot,
			ConfirmedAt: confirmedAt,
		}, nil
	}

	v.metrics.PaymentChecked("not_found")
	return &domain.PaymentMatch{Matched: false}, nil
}

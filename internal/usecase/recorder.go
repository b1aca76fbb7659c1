// Package usecase はアプリケーションのユースケースを実装する。
package usecase

// Recorder はユースケースが記録するメトリクスのインターフェース。
// infra.Metrics が実装する。
type Recorder interface {
	KeyWrapped(scheme string)
	UnwrapFailed(reason string)
	PaymentChecked(result string)
	Delivered(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) KeyWrapped(string)     {}
func (nopRecorder) UnwrapFailed(string)   {}
func (nopRecorder) PaymentChecked(string) {}
func (nopRecorder) Delivered(string)      {}

func recorderOrNop(r Recorder) Recorder {
	if r == nil {
		return nopRecorder{}
	}
	return r
}

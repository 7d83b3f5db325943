package report

import (
	"sync"

	"go.uber.org/zap"
)

// Reporter is the observability port business logic reports unexpected
// errors through, so tests can assert on reported errors without a live
// integration.
type Reporter interface {
	Report(err error, context map[string]string)
}

// ZapReporter logs reported errors through the service logger.
type ZapReporter struct {
	logger *zap.Logger
}

func NewZapReporter(logger *zap.Logger) *ZapReporter {
	return &ZapReporter{logger: logger}
}

var _ Reporter = (*ZapReporter)(nil)

func (r *ZapReporter) Report(err error, context map[string]string) {
	fields := make([]zap.Field, 0, len(context)+1)
	fields = append(fields, zap.Error(err))
	for k, v := range context {
		fields = append(fields, zap.String(k, v))
	}
	r.logger.Error("reported error", fields...)
}

// Captured one reported error, kept by CapturingReporter.
type Captured struct {
	Err     error
	Context map[string]string
}

// CapturingReporter test double that records every report.
type CapturingReporter struct {
	mu       sync.Mutex
	captured []Captured
}

func NewCapturingReporter() *CapturingReporter {
	return &CapturingReporter{}
}

var _ Reporter = (*CapturingReporter)(nil)

func (r *CapturingReporter) Report(err error, context map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captured = append(r.captured, Captured{Err: err, Context: context})
}

func (r *CapturingReporter) Reports() []Captured {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Captured(nil), r.captured...)
}

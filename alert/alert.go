// Package alert delivers operator-visible notifications. Delivery is best
// effort: sinks never return errors to the caller.
package alert

import (
	"context"
	"strconv"

	ethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/restakefi/keyguard/common"
	"github.com/restakefi/keyguard/log"
)

// Severity of an alert.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Fields describe the subject of an alert. Zero values are omitted.
type Fields struct {
	TaskName         string
	Description      string
	ChainID          common.ChainID
	OperatorID       *uint64
	OperatorRegistry *ethCommon.Address
	Symbol           string
	TxHash           *ethCommon.Hash
}

// keyvals flattens the fields for structured logging.
func (f Fields) keyvals() []interface{} {
	kv := []interface{}{}
	for _, p := range f.pairs() {
		kv = append(kv, p[0], p[1])
	}
	return kv
}

// pairs returns the non-empty fields as name/value pairs in display order.
func (f Fields) pairs() [][2]string {
	var out [][2]string
	add := func(name, value string) {
		if value != "" {
			out = append(out, [2]string{name, value})
		}
	}
	add("task", f.TaskName)
	add("description", f.Description)
	if f.ChainID != 0 {
		add("chain_id", f.ChainID.String())
	}
	if f.OperatorID != nil {
		add("operator_id", strconv.FormatUint(*f.OperatorID, 10))
	}
	if f.OperatorRegistry != nil {
		add("operator_registry", f.OperatorRegistry.Hex())
	}
	add("symbol", f.Symbol)
	if f.TxHash != nil {
		add("tx_hash", f.TxHash.Hex())
	}
	return out
}

// Sink receives alerts.
type Sink interface {
	Warn(ctx context.Context, title string, fields Fields)
	Error(ctx context.Context, title string, fields Fields)
}

// Send dispatches to the sink method matching severity.
func Send(ctx context.Context, sink Sink, severity Severity, title string, fields Fields) {
	switch severity {
	case SeverityError:
		sink.Error(ctx, title, fields)
	default:
		sink.Warn(ctx, title, fields)
	}
}

// LogSink writes alerts to a logger.
type LogSink struct {
	logger *log.Logger
}

var _ Sink = (*LogSink)(nil)

func NewLogSink(logger *log.Logger) *LogSink {
	return &LogSink{logger: logger.WithModule("alert")}
}

func (s *LogSink) Warn(_ context.Context, title string, fields Fields) {
	s.logger.Warn(title, fields.keyvals()...)
}

func (s *LogSink) Error(_ context.Context, title string, fields Fields) {
	s.logger.Error(title, fields.keyvals()...)
}

// Multi fans an alert out to several sinks.
type Multi []Sink

var _ Sink = Multi(nil)

func (m Multi) Warn(ctx context.Context, title string, fields Fields) {
	for _, s := range m {
		s.Warn(ctx, title, fields)
	}
}

func (m Multi) Error(ctx context.Context, title string, fields Fields) {
	for _, s := range m {
		s.Error(ctx, title, fields)
	}
}

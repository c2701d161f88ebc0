package log

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-kit/log"
)

// Format is a logging format. It implements the pflag.Value interface.
type Format uint

const (
	// FmtLogfmt is the "logfmt" logging format.
	FmtLogfmt Format = iota
	// FmtJSON is the JSON logging format.
	FmtJSON
)

var formatNames = map[Format]string{
	FmtLogfmt: "logfmt",
	FmtJSON:   "JSON",
}

// String returns the string representation of a Format.
func (f *Format) String() string {
	name, ok := formatNames[*f]
	if !ok {
		panic("logging: unsupported format")
	}
	return name
}

// Set sets the Format from a case-insensitive name.
func (f *Format) Set(s string) error {
	for format, name := range formatNames {
		if strings.EqualFold(s, name) {
			*f = format
			return nil
		}
	}
	return fmt.Errorf("logging: invalid log format: '%s'", s)
}

// Type returns the list of supported Formats.
func (f *Format) Type() string {
	return "[logfmt,JSON]"
}

// encoder returns the go-kit base logger writing the format to w.
func (f Format) encoder(w io.Writer) (log.Logger, error) {
	sw := log.NewSyncWriter(w)
	switch f {
	case FmtLogfmt:
		return log.NewLogfmtLogger(sw), nil
	case FmtJSON:
		return log.NewJSONLogger(sw), nil
	default:
		return nil, fmt.Errorf("log: unsupported log format: %d", f)
	}
}

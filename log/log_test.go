package log

import (
	"bytes"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

const tsRegex = `\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{0,9}Z`

func TestLoggerLogfmt(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("log-test", &b, FmtLogfmt, LevelDebug)
	require.NoError(t, err)

	l.Debug("a statement")
	require.Regexp(t, regexp.MustCompile(
		`level=debug ts=`+tsRegex+` caller=log_test\.go:\d{1,4} module=log-test msg="a statement"`),
		b.String())
}

func TestLoggerJSON(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("log-test", &b, FmtJSON, LevelDebug)
	require.NoError(t, err)

	l.Info("a statement", "chain_id", 17000)
	require.Regexp(t, regexp.MustCompile(
		`{"caller":"log_test\.go:\d{1,4}","chain_id":17000,"level":"info","module":"log-test","msg":"a statement","ts":"`+tsRegex+`"}\n`),
		b.String())
}

func TestLoggerInvalidFormat(t *testing.T) {
	var b bytes.Buffer
	_, err := NewLogger("log-test", &b, Format(255), LevelDebug)
	require.Error(t, err)
}

func TestWithAndWithModule(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("log-test", &b, FmtLogfmt, LevelDebug)
	require.NoError(t, err)

	child := l.With("registry", "0xabc").WithModule("removal")
	child.Warn("paused")
	require.Contains(t, b.String(), "registry=0xabc")
	require.Contains(t, b.String(), "module=removal")

	// The parent is not affected by the child's context.
	b.Reset()
	l.Warn("parent")
	require.NotContains(t, b.String(), "registry=0xabc")
	require.Contains(t, b.String(), "module=log-test")
}

func TestLevelFiltering(t *testing.T) {
	for _, tc := range []struct {
		lvl     Level
		emitted []string
	}{
		{LevelDebug, []string{"debug", "info", "warn", "error"}},
		{LevelInfo, []string{"info", "warn", "error"}},
		{LevelWarn, []string{"warn", "error"}},
		{LevelError, []string{"error"}},
	} {
		var b bytes.Buffer
		l, err := NewLogger("log-test", &b, FmtLogfmt, tc.lvl)
		require.NoError(t, err)
		l.Debug("m")
		l.Info("m")
		l.Warn("m")
		l.Error("m")
		for _, name := range tc.emitted {
			require.Contains(t, b.String(), "level="+name, "level %s", tc.lvl.String())
		}
		require.Equal(t, len(tc.emitted), bytes.Count(b.Bytes(), []byte("\n")))
	}
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	require.NotPanics(t, func() {
		l.With("a", 1).Error("dropped")
	})
}

func TestWriterIntoLogger(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("log-test", &b, FmtLogfmt, LevelInfo)
	require.NoError(t, err)

	n, err := WriterIntoLogger(l).Write([]byte("from stdlib\n"))
	require.NoError(t, err)
	require.Equal(t, 12, n)
	require.Contains(t, b.String(), `msg="from stdlib"`)
}

func TestLevel(t *testing.T) {
	var lvl Level
	for _, name := range []string{"DEBUG", "INFO", "WARN", "ERROR"} {
		require.NoError(t, lvl.Set(name))
		require.Equal(t, name, lvl.String())
	}
	require.NoError(t, lvl.Set("warn"))
	require.Equal(t, LevelWarn, lvl)
	require.Error(t, lvl.Set("invalid"))

	lvl = Level(255)
	require.Panics(t, func() { _ = lvl.String() })
}

func TestFormat(t *testing.T) {
	var f Format
	require.NoError(t, f.Set("json"))
	require.Equal(t, "JSON", f.String())
	require.NoError(t, f.Set("logfmt"))
	require.Equal(t, "logfmt", f.String())
	require.Error(t, f.Set("invalid"))

	f = Format(255)
	require.Panics(t, func() { _ = f.String() })
}

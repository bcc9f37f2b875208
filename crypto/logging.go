package crypto

import (
	"encoding/hex"
	"fmt"
	"maps"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// LoggerHelper collects logrus fields for one function and logs them. The
// "function" and "package" fields are always present.
type LoggerHelper struct {
	fields logrus.Fields
}

// NewLogger returns a helper for a function of this package.
func NewLogger(function string) *LoggerHelper {
	return NewPackageLogger("crypto", function)
}

// NewPackageLogger returns a helper for function in pkg.
func NewPackageLogger(pkg, function string) *LoggerHelper {
	return &LoggerHelper{fields: logrus.Fields{
		"function": function,
		"package":  pkg,
	}}
}

// WithCaller records the file and line that called WithCaller.
func (l *LoggerHelper) WithCaller() *LoggerHelper {
	if _, file, line, ok := runtime.Caller(1); ok {
		l.fields["caller"] = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	return l
}

func (l *LoggerHelper) WithField(key string, value interface{}) *LoggerHelper {
	l.fields[key] = value
	return l
}

func (l *LoggerHelper) WithFields(fields logrus.Fields) *LoggerHelper {
	maps.Copy(l.fields, fields)
	return l
}

// WithError records err together with its category and the operation that
// failed.
func (l *LoggerHelper) WithError(err error, errorType, operation string) *LoggerHelper {
	l.fields["error"] = err.Error()
	l.fields["error_type"] = errorType
	l.fields["operation"] = operation
	return l
}

func (l *LoggerHelper) Trace(message string) { logrus.WithFields(l.fields).Trace(message) }
func (l *LoggerHelper) Debug(message string) { logrus.WithFields(l.fields).Debug(message) }
func (l *LoggerHelper) Error(message string) { logrus.WithFields(l.fields).Error(message) }

// SecureFieldHash identifies data in logs by the first 8 bytes of its
// BLAKE2b-256 digest, never by its content.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	digest := blake2b.Sum256(data)
	return logrus.Fields{
		name + "_hash": hex.EncodeToString(digest[:8]),
		name + "_size": len(data),
	}
}

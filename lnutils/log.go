package lnutils

import (
	"log/slog"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog/v2"
	"github.com/davecgh/go-spew/spew"
)

// LogClosure defers building a log message until the logger actually formats
// it, so disabled levels cost nothing.
type LogClosure func() string

// String builds the message.
func (c LogClosure) String() string {
	return c()
}

// NewLogClosure wraps c as a fmt.Stringer for the logger.
func NewLogClosure(c func() string) LogClosure {
	return LogClosure(c)
}

// SpewLogClosure dumps a with spew once the message is formatted.
func SpewLogClosure(a any) LogClosure {
	return func() string {
		return spew.Sdump(a)
	}
}

// LogHash returns a slog attribute for logging a block hash in its usual byte
// reversed hex form.
func LogHash(key string, hash *chainhash.Hash) slog.Attr {
	if hash == nil {
		return btclog.Fmt(key, "<nil>")
	}

	return btclog.Fmt(key, "%v", hash)
}

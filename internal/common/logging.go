package common

import (
	"io"
	"log"
	"os"
)

var (
	logger = log.New(os.Stderr, "[canscope] ", log.LstdFlags|log.Lmicroseconds)
)

func Logf(format string, args ...interface{}) {
	logger.Printf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	logger.Fatalf(format, args...)
}

// SetLogOutput redirects the package logger, typically to a rotating file
// writer combined with stderr.
func SetLogOutput(w io.Writer) {
	logger.SetOutput(w)
}

package host

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"

	"github.com/streamplug/streamplug/internal/infrastructure/sandbox"
)

// forbiddenConstructs are rejected by a textual scan before any process is
// spawned for the module. The sandbox disables these at runtime as well;
// the scan exists so a hostile module never gets a process at all.
var forbiddenConstructs = []*regexp.Regexp{
	regexp.MustCompile(`\beval\s*\(`),
	regexp.MustCompile(`\bFunction\s*\(`),
	regexp.MustCompile(`\brequire\s*\(`),
	regexp.MustCompile(`\bimport\s*\(`),
	regexp.MustCompile(`\bfetch\s*\(`),
	regexp.MustCompile(`\bXMLHttpRequest\b`),
	regexp.MustCompile(`\bWebSocket\b`),
	regexp.MustCompile(`\bSharedArrayBuffer\b`),
	regexp.MustCompile(`\bchild_process\b`),
	regexp.MustCompile(`\bprocess\.binding\b`),
	regexp.MustCompile(`\bspawn(Sync)?\s*\(`),
	regexp.MustCompile(`\bexec(Sync)?\s*\(`),
}

// Prescan scans module source for forbidden constructs and reports the
// first hit. A clean scan is not a safety proof, only a cheap gate.
func Prescan(source []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(source))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		for _, pattern := range forbiddenConstructs {
			if pattern.Match(line) {
				return &sandbox.SecurityViolationError{
					Op:     "prescan",
					Reason: fmt.Sprintf("forbidden construct %q at line %d", pattern.String(), lineNo),
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan module source: %w", err)
	}
	return nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"unicode"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error kinds shared with reports from other tools.
const (
	KindConnRefused = "ECONNREFUSED"
	KindConnReset   = "ECONNRESET"
	KindTimeout     = "ETIMEDOUT"
	KindNotFound    = "ENOTFOUND"
	KindParse       = "EPARSE"
	KindCanceled    = "ECANCELED"
)

const maxKindLength = 100

// ErrorKind maps an error onto the stable code reported in the errors
// section of a report.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		return grpcKind(st.Code().String())
	}

	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindConnRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.Is(err, io.ErrUnexpectedEOF):
		return KindConnReset
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout {
			return KindTimeout
		}
		return KindNotFound
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, io.EOF) {
		return KindConnReset
	}

	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	typeName := fmt.Sprintf("%T", root)
	switch typeName {
	case "*errors.errorString", "*fmt.wrapError", "*errors.joinError":
		return truncateKind(root.Error())
	}
	return FriendlyErrorName(typeName)
}

// grpcKind renders a status code name such as DeadlineExceeded as
// DEADLINE_EXCEEDED.
func grpcKind(code string) string {
	words := strings.Fields(humanizeTypeName(code))
	return strings.ToUpper(strings.Join(words, "_"))
}

func truncateKind(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "Unknown error"
	}
	if len(s) > maxKindLength {
		return s[:maxKindLength]
	}
	return s
}

// FriendlyErrorName returns a human-friendly label for a Go error type.
func FriendlyErrorName(typeName string) string {
	cleaned := strings.TrimSpace(typeName)
	if cleaned == "" {
		return "Unknown error"
	}

	cleaned = strings.TrimPrefix(cleaned, "*")
	if idx := strings.LastIndex(cleaned, "/"); idx != -1 {
		cleaned = cleaned[idx+1:]
	}

	pkg := ""
	name := cleaned
	if idx := strings.Index(name, "."); idx != -1 {
		pkg = name[:idx]
		name = name[idx+1:]
	}

	pretty := humanizeTypeName(name)
	if pretty == "" {
		pretty = name
	}

	switch {
	case pkg == "url" && strings.Contains(strings.ToLower(pretty), "error"):
		return "Request URL error"
	case pkg == "websocket" && strings.Contains(strings.ToLower(pretty), "close"):
		return "WebSocket closed"
	}

	if pkg != "" && pkg != "main" {
		return fmt.Sprintf("%s (%s)", pretty, pkg)
	}
	return pretty
}

func humanizeTypeName(name string) string {
	if name == "" {
		return ""
	}

	var words []string
	var current []rune
	runes := []rune(name)

	appendWord := func() {
		if len(current) == 0 {
			return
		}
		word := string(current)
		if isAllUpper(word) {
			words = append(words, word)
		} else {
			words = append(words, capitalize(word))
		}
		current = current[:0]
	}

	for i, r := range runes {
		if i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsUpper(r) && (unicode.IsLower(prev) || (unicode.IsUpper(prev) && nextLower)) {
				appendWord()
			} else if unicode.IsDigit(r) && !unicode.IsDigit(prev) {
				appendWord()
			}
		}
		current = append(current, r)
	}
	appendWord()

	return strings.Join(words, " ")
}

func isAllUpper(s string) bool {
	hasLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return hasLetter
}

func capitalize(s string) string {
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	runes := []rune(lower)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

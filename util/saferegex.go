package util

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
)

const (
	// MaxPatternLength is the maximum allowed regex pattern length for
	// tenant-authored condition expressions.
	MaxPatternLength = 500
	// DefaultMatchTimeout bounds backtracking time for a single match.
	DefaultMatchTimeout = 500 * time.Millisecond
	// MaxCachedPatterns bounds the compiled-pattern cache.
	MaxCachedPatterns = 1024
)

// ErrPatternTooLong is returned when a pattern exceeds MaxPatternLength.
var ErrPatternTooLong = fmt.Errorf("regex pattern exceeds %d characters", MaxPatternLength)

// patternCache stores compiled regexp2 patterns keyed by pattern text.
// regexp2 is used instead of the standard library because MatchTimeout
// gives a hard backtracking bound against ReDoS from tenant input.
var (
	patternCache = make(map[string]*regexp2.Regexp)
	patternMu    sync.RWMutex
)

// MatchWithTimeout matches pattern against input with a bounded match time.
// Returns an error for empty, oversized, or uncompilable patterns; the
// caller decides whether that fails open or closed.
func MatchWithTimeout(pattern, input string, timeout time.Duration) (bool, error) {
	if pattern == "" {
		return false, fmt.Errorf("regex pattern cannot be empty")
	}
	if len(pattern) > MaxPatternLength {
		return false, ErrPatternTooLong
	}
	if timeout <= 0 {
		timeout = DefaultMatchTimeout
	}

	re, err := compilePattern(pattern, timeout)
	if err != nil {
		return false, err
	}

	matched, err := re.MatchString(input)
	if err != nil {
		if strings.Contains(err.Error(), "timeout") {
			return false, fmt.Errorf("regex evaluation timed out after %v", timeout)
		}
		return false, fmt.Errorf("regex evaluation failed: %w", err)
	}
	return matched, nil
}

func compilePattern(pattern string, timeout time.Duration) (*regexp2.Regexp, error) {
	cacheKey := fmt.Sprintf("%s:%d", pattern, timeout.Milliseconds())

	patternMu.RLock()
	re, ok := patternCache[cacheKey]
	patternMu.RUnlock()
	if ok {
		return re, nil
	}

	patternMu.Lock()
	defer patternMu.Unlock()

	// Double-check after acquiring the write lock.
	if re, ok = patternCache[cacheKey]; ok {
		return re, nil
	}

	re, err := regexp2.Compile(pattern, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to compile regex pattern: %w", err)
	}
	re.MatchTimeout = timeout

	if len(patternCache) >= MaxCachedPatterns {
		// Reset rather than evict piecemeal; compile churn is cheaper
		// than tracking LRU order for what is a small, hot set.
		patternCache = make(map[string]*regexp2.Regexp)
	}
	patternCache[cacheKey] = re

	return re, nil
}

// Package flagstore holds phone numbers that users reported as suspicious.
//
// Numbers are normalized before storage so "+1 (555) 010-0100" and
// "15550100100" refer to the same entry.
package flagstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"unicode"
)

var ErrInvalidNumber = errors.New("flagstore: invalid phone number")

// Store is the set of flagged numbers.
type Store interface {
	Contains(ctx context.Context, number string) (bool, error)
	Add(ctx context.Context, number string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Normalize keeps a leading '+' and the digits of number.
func Normalize(number string) (string, error) {
	number = strings.TrimSpace(number)
	var b strings.Builder
	for i, r := range number {
		switch {
		case unicode.IsDigit(r) && r < unicode.MaxASCII:
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", ErrInvalidNumber
		}
	}
	out := b.String()
	if strings.TrimPrefix(out, "+") == "" {
		return "", ErrInvalidNumber
	}
	return out, nil
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	numbers map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{numbers: make(map[string]struct{})}
}

func (m *Memory) Contains(_ context.Context, number string) (bool, error) {
	n, err := Normalize(number)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	_, ok := m.numbers[n]
	m.mu.RUnlock()
	return ok, nil
}

func (m *Memory) Add(_ context.Context, number string) error {
	n, err := Normalize(number)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.numbers[n] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(context.Context) ([]string, error) {
	m.mu.RLock()
	out := make([]string, 0, len(m.numbers))
	for n := range m.numbers {
		out = append(out, n)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

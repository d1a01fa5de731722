// Package netutil chooses the address canvascapd listens on.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrNoBindAddr is returned when every address of a plan is taken.
var ErrNoBindAddr = errors.New("netutil: no free address for the capture API")

// BusyError reports a preferred address that is taken while fallback is off.
type BusyError struct {
	Addr string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("netutil: capture API address in use: %s (fallback disabled)", e.Addr)
}

// Plan lists where the daemon may listen. When Candidates is empty, Span
// ports following the preferred one are tried instead.
type Plan struct {
	Preferred    string
	Candidates   []string
	Span         int
	AutoFallback bool
}

// Selection is the outcome of Select.
type Selection struct {
	Addr     string
	Fallback bool     // Addr is not the preferred address
	Busy     []string // addresses found taken before Addr
}

// Fallbacks returns the addresses tried after the preferred one, without
// duplicates and without the preferred address itself.
func (p Plan) Fallbacks() ([]string, error) {
	list := p.Candidates
	if len(list) == 0 && p.Span > 0 && p.Preferred != "" {
		host, portStr, err := net.SplitHostPort(p.Preferred)
		if err != nil {
			return nil, fmt.Errorf("netutil: preferred address %q: %w", p.Preferred, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 {
			return nil, fmt.Errorf("netutil: preferred address %q has no fixed port", p.Preferred)
		}
		for i := 1; i <= p.Span && port+i <= 65535; i++ {
			list = append(list, net.JoinHostPort(host, strconv.Itoa(port+i)))
		}
	}

	seen := map[string]bool{p.Preferred: true}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out, nil
}

// Select probes the plan in order and returns the first free address.
func Select(p Plan) (Selection, error) {
	var sel Selection
	if p.Preferred != "" {
		ok, err := IsAddrAvailable(p.Preferred)
		if err != nil {
			return sel, err
		}
		if ok {
			sel.Addr = p.Preferred
			return sel, nil
		}
		if !p.AutoFallback {
			return sel, &BusyError{Addr: p.Preferred}
		}
		sel.Busy = append(sel.Busy, p.Preferred)
	}

	fallbacks, err := p.Fallbacks()
	if err != nil {
		return sel, err
	}
	for _, addr := range fallbacks {
		ok, err := IsAddrAvailable(addr)
		if err != nil {
			return sel, err
		}
		if ok {
			sel.Addr = addr
			sel.Fallback = p.Preferred != ""
			return sel, nil
		}
		sel.Busy = append(sel.Busy, addr)
	}
	return sel, ErrNoBindAddr
}

// IsAddrAvailable returns true when an address can be listened on.
func IsAddrAvailable(addr string) (bool, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false, nil
	}
	if closeErr := ln.Close(); closeErr != nil {
		return false, closeErr
	}
	return true, nil
}

package cache

import (
	"fmt"
	"strings"
)

// Policy selects how a ResultCache treats existing entries.
type Policy string

const (
	// PolicyOff computes every time and never touches storage.
	PolicyOff Policy = "off"
	// PolicyRead returns hits and computes misses without writing them.
	PolicyRead Policy = "read"
	// PolicyCreate returns hits and computes and stores misses.
	PolicyCreate Policy = "create"
	// PolicyUpdate always recomputes and overwrites the stored result.
	PolicyUpdate Policy = "update"
	// PolicyFailMissing returns hits and fails with ErrCacheMiss otherwise.
	PolicyFailMissing Policy = "fail-missing"
)

// ParsePolicy parses a policy name, case-insensitively.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := policyRules[p]; !ok {
		return "", fmt.Errorf("unknown cache policy %q", s)
	}
	return p, nil
}

type rule struct {
	useStorage bool // false: compute without reading or writing
	readHits   bool // return a Ready entry without recomputing
	write      bool // take the lock and persist computed results
	requireHit bool // a miss is an error
}

var policyRules = map[Policy]rule{
	PolicyOff:         {},
	PolicyRead:        {useStorage: true, readHits: true},
	PolicyCreate:      {useStorage: true, readHits: true, write: true},
	PolicyUpdate:      {useStorage: true, write: true},
	PolicyFailMissing: {useStorage: true, readHits: true, requireHit: true},
}

func (p Policy) rule() rule {
	if r, ok := policyRules[p]; ok {
		return r
	}
	return policyRules[PolicyCreate]
}

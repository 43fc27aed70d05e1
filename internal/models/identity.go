package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// IdentityStrategy selects how a Task's IdentityHash is computed (§6).
type IdentityStrategy string

const (
	IdentityDefault IdentityStrategy = "default"
	IdentityHash    IdentityStrategy = "hash"
	IdentityCustom  IdentityStrategy = "custom"
)

// IdentityAttributes is the pure-function input to hash-strategy identity
// hashing (§3 inv. 7): (name, version, namespace, context, initiator,
// source_system, reason, requested_at bucketed to one-minute resolution).
type IdentityAttributes struct {
	Name         string
	Version      string
	Namespace    string
	Context      map[string]interface{}
	Initiator    string
	SourceSystem string
	Reason       string
	RequestedAt  time.Time
}

// ComputeIdentityHash is a pure function of its attributes: identical inputs
// (including requested_at bucketed to the minute) always yield the same
// hash, which is what makes the dedup window in §3 inv. 7 work.
func ComputeIdentityHash(a IdentityAttributes) (string, error) {
	ctxBytes, err := json.Marshal(sortedContext(a.Context))
	if err != nil {
		return "", fmt.Errorf("marshal identity context: %w", err)
	}

	bucket := a.RequestedAt.UTC().Truncate(time.Minute).Format(time.RFC3339)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s|%s",
		a.Name, a.Version, a.Namespace, string(ctxBytes),
		a.Initiator, a.SourceSystem, a.Reason, bucket)

	return hex.EncodeToString(h.Sum(nil)), nil
}

// sortedContext produces a key-ordered copy so map iteration order never
// perturbs the hash.
func sortedContext(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]interface{}, len(m))
	for _, k := range keys {
		out[k] = m[k]
	}
	return out
}

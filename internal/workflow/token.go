package workflow

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
)

// DomainResumeToken separates resume-token hashes from any other hash the
// system may compute over the same fields.
const DomainResumeToken = "stepflow/resume-token/v1"

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + part + 0x00 + part ...)
// The null byte separator prevents boundary ambiguity between fields.
func hashWithDomain(domain string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(domain))
	for _, p := range parts {
		h.Write([]byte{0x00})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ResumeToken identifies the exact suspend point of an instance.
//
// seq is the activity sequence of the instance.paused entry, so a step that
// is visited twice (a loop through a decision) gets a different token on
// each visit.
func ResumeToken(instanceID, stepID string, seq int64) string {
	return hashWithDomain(DomainResumeToken, instanceID, stepID, strconv.FormatInt(seq, 10))
}

// TokenMatches compares two tokens in constant time.
func TokenMatches(want, got string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

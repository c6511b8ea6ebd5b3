// Package profile computes the processing profile and the stable identifiers
// derived from it. A job's identity is jobKey = fileHash__profileHash, so the
// profile serialization must be byte-deterministic: same parameters and tool
// versions in, same hash out, regardless of map order or language spelling.
package profile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// OCRParams is the OCR half of the processing profile.
type OCRParams struct {
	Deskew      bool              `json:"deskew"`
	Lang        string            `json:"lang"`
	Optimize    int               `json:"optimize"`
	RotatePages bool              `json:"rotatePages"`
	Tools       map[string]string `json:"tools"`
}

// PrepParams is the PREP half of the processing profile.
type PrepParams struct {
	Tools map[string]string `json:"tools"`
}

// Profile is the snapshot of processing parameters and tool versions taken
// at job creation time.
type Profile struct {
	OCR  OCRParams  `json:"ocr"`
	Prep PrepParams `json:"prep"`
}

// Canonical builds the profile from the two workers' version maps and the
// configured language set. The language is normalized so that "fra+eng" and
// "eng+fra" produce identical profiles.
func Canonical(prepVersions, ocrVersions map[string]string, lang string) Profile {
	if prepVersions == nil {
		prepVersions = map[string]string{}
	}
	if ocrVersions == nil {
		ocrVersions = map[string]string{}
	}
	return Profile{
		OCR: OCRParams{
			Deskew:      true,
			Lang:        NormalizeLang(lang),
			Optimize:    1,
			RotatePages: true,
			Tools:       ocrVersions,
		},
		Prep: PrepParams{
			Tools: prepVersions,
		},
	}
}

// NormalizeLang splits a "+"-joined language set, deduplicates, sorts
// lexicographically, and rejoins.
func NormalizeLang(lang string) string {
	tokens := strings.Split(lang, "+")
	seen := make(map[string]bool, len(tokens))
	uniq := tokens[:0]
	for _, tok := range tokens {
		if !seen[tok] {
			seen[tok] = true
			uniq = append(uniq, tok)
		}
	}
	sort.Strings(uniq)
	return strings.Join(uniq, "+")
}

// StableJSON renders v as canonical JSON: keys sorted at every level,
// compact separators, UTF-8 with no escaping of non-ASCII. Equal values by
// content yield byte-equal output.
func StableJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	// Round-trip through the generic form: encoding/json emits map keys in
	// sorted order, which is exactly the canonical shape.
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SHA256String returns the hex SHA-256 of a UTF-8 string.
func SHA256String(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// MakeJobKey derives (profileHash, jobKey) from a file hash and a profile.
// Pure: identical inputs always yield identical outputs, and any change to a
// recorded tool version changes the jobKey.
func MakeJobKey(fileHash string, p Profile) (profileHash, jobKey string, err error) {
	canonical, err := StableJSON(p)
	if err != nil {
		return "", "", err
	}
	profileHash = SHA256String(string(canonical))
	return profileHash, fileHash + "__" + profileHash, nil
}

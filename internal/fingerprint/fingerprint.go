package fingerprint

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Length is the number of hex characters in a fingerprint.
const Length = 20

// Input holds the signals a scan result may carry for one finding.
type Input struct {
	RuleID     string
	Message    string
	StableHash string // pre-computed location hash from the scanner, if any
	File       string
	StartLine  int
}

// LineSource returns the text of a single source line.
type LineSource interface {
	Line(file string, line int) (string, bool)
}

// Method names which signal produced a fingerprint.
type Method string

const (
	MethodStableHash Method = "stable_hash"
	MethodMessage    Method = "message"
	MethodSource     Method = "source_line"
	MethodLocation   Method = "location"
)

// Compute returns the fingerprint for in. See ComputeWithMethod.
func Compute(in Input, src LineSource) string {
	fp, _ := ComputeWithMethod(in, src)
	return fp
}

// ComputeWithMethod picks the strongest available signal, in order: the
// scanner's stable hash, rule+message, rule+normalized source line, and
// finally rule+file+line. Each branch ignores every weaker signal.
func ComputeWithMethod(in Input, src LineSource) (string, Method) {
	if h := strings.TrimSpace(in.StableHash); h != "" {
		return digest("hash", h), MethodStableHash
	}
	if msg := strings.TrimSpace(in.Message); msg != "" {
		return digest("msg", in.RuleID, msg), MethodMessage
	}
	if src != nil && in.File != "" && in.StartLine > 0 {
		if line, ok := src.Line(in.File, in.StartLine); ok {
			if norm := NormalizeLine(line); norm != "" {
				return digest("src", in.RuleID, norm), MethodSource
			}
		}
	}
	return digest("loc", in.RuleID, in.File, strconv.Itoa(in.StartLine)), MethodLocation
}

// NormalizeLine collapses whitespace runs to a single space and trims.
func NormalizeLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Valid reports whether s has the shape of a fingerprint.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func digest(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])[:Length]
}

// DirSource reads source lines from a checkout rooted at Root.
type DirSource struct {
	Root string
}

// Line returns the 1-based line of file, refusing paths that escape Root.
func (d DirSource) Line(file string, line int) (string, bool) {
	if d.Root == "" || line <= 0 {
		return "", false
	}
	root, err := filepath.Abs(d.Root)
	if err != nil {
		return "", false
	}
	path, err := filepath.Abs(filepath.Join(root, file))
	if err != nil || !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", false
	}
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; sc.Scan(); n++ {
		if n == line {
			return sc.Text(), true
		}
	}
	return "", false
}

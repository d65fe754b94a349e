package tracker

import "strings"

// familyKeywords maps substrings of a rule ID to a vulnerability family.
// Order matters: the first match wins.
var familyKeywords = []struct {
	keyword string
	family  string
}{
	{"log-injection", "log-injection"},
	{"path-injection", "path-traversal"},
	{"sql-injection", "injection"},
	{"command-injection", "injection"},
	{"command-line-injection", "injection"},
	{"code-injection", "injection"},
	{"ldap-injection", "injection"},
	{"xpath-injection", "injection"},
	{"template-injection", "injection"},
	{"injection", "injection"},
	{"cross-site-request-forgery", "csrf"},
	{"xss", "xss"},
	{"cross-site", "xss"},
	{"path-traversal", "path-traversal"},
	{"zipslip", "path-traversal"},
	{"tainted-path", "path-traversal"},
	{"ssrf", "ssrf"},
	{"request-forgery", "ssrf"},
	{"deserializ", "deserialization"},
	{"xxe", "xxe"},
	{"xml-external", "xxe"},
	{"hardcoded", "credentials"},
	{"credential", "credentials"},
	{"clear-text", "sensitive-data"},
	{"cleartext", "sensitive-data"},
	{"sensitive", "sensitive-data"},
	{"weak-crypto", "crypto"},
	{"crypto", "crypto"},
	{"insecure-randomness", "crypto"},
	{"redirect", "open-redirect"},
	{"regex", "redos"},
	{"redos", "redos"},
	{"prototype-pollution", "prototype-pollution"},
	{"csrf", "csrf"},
	{"cors", "cors"},
}

// FamilyOf classifies a rule ID (e.g. "js/sql-injection") into a family.
func FamilyOf(ruleID string) string {
	r := strings.ToLower(ruleID)
	if r == "" {
		return "other"
	}
	for _, k := range familyKeywords {
		if strings.Contains(r, k.keyword) {
			return k.family
		}
	}
	return "other"
}

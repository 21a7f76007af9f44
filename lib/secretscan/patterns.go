// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package secretscan

import "regexp"

// builtinPatterns is the detection set applied to every scanned line.
// Hints suppress the common false positives for each rule: template
// placeholders, documentation examples, and environment indirection.
func builtinPatterns() []pattern {
	hint := func(exprs ...string) []*regexp.Regexp {
		compiled := make([]*regexp.Regexp, 0, len(exprs))
		for _, expr := range exprs {
			compiled = append(compiled, regexp.MustCompile(expr))
		}
		return compiled
	}

	return []pattern{
		{
			rule: "private-key",
			expr: regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
		},
		{
			rule: "aws-access-key",
			expr: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
			hints: hint(
				`(?i)example`,
				`AKIAXXXXXXXX`,
			),
		},
		{
			rule: "api-key-assignment",
			expr: regexp.MustCompile(`(?i)\b(?:api[_-]?key|apikey|access[_-]?key)\b\s*[:=]\s*["'][A-Za-z0-9_\-]{16,}["']`),
			hints: hint(
				`(?i)example|placeholder|your[_-]?(?:api[_-]?)?key|x{4,}`,
				`\$\{`,
				`%s|\{\}`,
			),
		},
		{
			rule: "password-assignment",
			expr: regexp.MustCompile(`(?i)\bpassword\b\s*[:=]\s*["'][^"']{8,}["']`),
			hints: hint(
				`(?i)example|changeme|placeholder|x{4,}|\*{4,}`,
				`\$\{`,
				`%s|\{\}`,
			),
		},
		{
			rule: "bearer-token",
			expr: regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-_.=]{20,}`),
			hints: hint(
				`(?i)example|<token>|\$\{`,
			),
		},
		{
			rule: "slack-token",
			expr: regexp.MustCompile(`\bxox[baprs]-[0-9A-Za-z-]{10,}\b`),
		},
	}
}

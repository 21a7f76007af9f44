// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Known digest of "hello\n", cross-checked against sha256sum.
const helloDigest = "5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03"

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.txt")
	if err := os.WriteFile(path, []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("writing test file: %v", err)
	}

	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if got != helloDigest {
		t.Errorf("HashFile = %s, want %s", got, helloDigest)
	}
}

func TestHashFileMissing(t *testing.T) {
	if _, err := HashFile(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("HashFile on missing file succeeded, want error")
	}
}

func TestHashBytes(t *testing.T) {
	if got := HashBytes([]byte("hello\n")); got != helloDigest {
		t.Errorf("HashBytes = %s, want %s", got, helloDigest)
	}
}

func TestParseSumOutput(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    string
		wantErr bool
	}{
		{
			name:   "standard output",
			output: helloDigest + "  /etc/pipeline/pipeline.json\n",
			want:   helloDigest,
		},
		{
			name:   "uppercase digest normalized",
			output: strings.ToUpper(helloDigest) + "  file",
			want:   helloDigest,
		},
		{
			name:    "empty output",
			output:  "\n",
			wantErr: true,
		},
		{
			name:    "truncated digest",
			output:  "abc123  file",
			wantErr: true,
		},
		{
			name:    "non-hex digest",
			output:  strings.Repeat("zz", 32) + "  file",
			wantErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := ParseSumOutput(test.output)
			if test.wantErr {
				if err == nil {
					t.Fatalf("ParseSumOutput(%q) succeeded, want error", test.output)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSumOutput(%q): %v", test.output, err)
			}
			if got != test.want {
				t.Errorf("ParseSumOutput = %s, want %s", got, test.want)
			}
		})
	}
}

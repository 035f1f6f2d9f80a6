package db

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunMigrateCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cli.db")

	tests := []struct {
		args    []string
		want    string
		wantErr bool
	}{
		{args: []string{"status"}, want: "Current version: 0"},
		{args: []string{"up"}, want: "Current version: 2 (dirty: false)"},
		{args: []string{"down"}, want: "Current version: 1 (dirty: false)"},
		{args: []string{"version", "2"}, want: "Migrated to version 2"},
		{args: []string{"force", "2"}, want: "forced to 2"},
		{args: []string{"status"}, want: "Latest available: 2"},
		{args: []string{"help"}, want: "Database Migration Commands"},
		{args: []string{"version"}, wantErr: true},
		{args: []string{"force", "x"}, wantErr: true},
		{args: []string{"sideways"}, wantErr: true},
		{args: nil, wantErr: true},
	}

	for _, tt := range tests {
		var out bytes.Buffer
		err := RunMigrateCommand(tt.args, dbPath, &out)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%v: expected error", tt.args)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%v: %v", tt.args, err)
		}
		if !strings.Contains(out.String(), tt.want) {
			t.Errorf("%v: output %q does not contain %q", tt.args, out.String(), tt.want)
		}
	}
}

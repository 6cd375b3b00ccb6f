package worktree

import (
	"strings"
	"testing"
	"time"
)

func TestParseLog(t *testing.T) {
	out := strings.Join([]string{
		recordSep + "ghi789" + fieldSep + "Alice" + fieldSep + "alice@example.com" + fieldSep + "1700000200" + fieldSep + "add login form",
		"web/login.html",
		"web/login.css",
		"",
		recordSep + "def456" + fieldSep + "Bob" + fieldSep + "bob@example.com" + fieldSep + "1700000100" + fieldSep + "fix migration",
		"db/migrate.sql",
		"",
	}, "\n")

	commits := parseLog(out)
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(commits))
	}

	first := commits[0]
	if first.Hash != "ghi789" {
		t.Errorf("expected hash ghi789, got %s", first.Hash)
	}
	if first.AuthorName != "Alice" || first.AuthorEmail != "alice@example.com" {
		t.Errorf("unexpected author: %s <%s>", first.AuthorName, first.AuthorEmail)
	}
	if first.Message != "add login form" {
		t.Errorf("unexpected message: %s", first.Message)
	}
	if want := time.Unix(1700000200, 0).UTC(); !first.CommittedAt.Equal(want) {
		t.Errorf("expected committed at %v, got %v", want, first.CommittedAt)
	}
	if len(first.Files) != 2 || first.Files[0] != "web/login.html" {
		t.Errorf("unexpected files: %v", first.Files)
	}

	if commits[1].Hash != "def456" || len(commits[1].Files) != 1 {
		t.Errorf("unexpected second commit: %+v", commits[1])
	}
}

func TestParseLogEmpty(t *testing.T) {
	if commits := parseLog(""); len(commits) != 0 {
		t.Errorf("expected no commits, got %d", len(commits))
	}
}

func TestParsePorcelain(t *testing.T) {
	out := " M internal/server.go\n?? notes.txt\nR  old.go -> new.go\n"
	files := parsePorcelain(out)
	if len(files) != 3 {
		t.Fatalf("expected 3 files, got %d: %v", len(files), files)
	}
	if files[0] != "internal/server.go" {
		t.Errorf("unexpected first file: %s", files[0])
	}
	if files[2] != "new.go" {
		t.Errorf("expected rename target new.go, got %s", files[2])
	}
}

func TestParseNumStat(t *testing.T) {
	out := "10\t2\tmain.go\n3\t0\tutil.go\n-\t-\tlogo.png\n"
	added, removed := parseNumStat(out)
	if added != 13 {
		t.Errorf("expected 13 added, got %d", added)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
}

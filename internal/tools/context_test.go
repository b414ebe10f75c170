package tools

import "testing"

func TestToolContext_StalenessRoundTrip(t *testing.T) {
	c := NewToolContext()
	hash := ContentHash([]byte("hello"))

	if c.IsFileStale("/a.txt", hash) {
		t.Fatalf("never-read file should not be stale")
	}

	c.RecordRead("/a.txt", hash)
	if c.IsFileStale("/a.txt", hash) {
		t.Fatalf("unchanged content should not be stale")
	}

	newHash := ContentHash([]byte("goodbye"))
	if !c.IsFileStale("/a.txt", newHash) {
		t.Fatalf("changed content should be stale")
	}
}

func TestToolContext_RecordModificationAndSummary(t *testing.T) {
	c := NewToolContext()
	if got := c.ModificationSummary(10); got != "No file modifications in this session." {
		t.Fatalf("expected empty summary message, got %q", got)
	}

	c.RecordModification("/a.txt", "write")
	c.RecordModification("/b.txt", "edit")
	c.RecordModification("/a.txt", "edit")

	if !c.WasFileModified("/a.txt") {
		t.Fatalf("expected /a.txt to be recorded as modified")
	}
	if c.WasFileModified("/c.txt") {
		t.Fatalf("did not expect /c.txt to be modified")
	}

	summary := c.ModificationSummary(10)
	if summary == "" {
		t.Fatalf("expected non-empty summary")
	}
}

func TestToolContext_RecentlyModifiedFilesDedupesAndOrdersMostRecentFirst(t *testing.T) {
	c := NewToolContext()
	c.RecordModification("/a.txt", "write")
	c.RecordModification("/b.txt", "write")
	c.RecordModification("/a.txt", "edit")

	got := c.RecentlyModifiedFiles(10)
	if len(got) != 2 {
		t.Fatalf("expected 2 unique paths, got %v", got)
	}
	if got[0] != "/a.txt" {
		t.Fatalf("expected most recently modified path first, got %v", got)
	}
}

func TestToolContext_ClearResetsState(t *testing.T) {
	c := NewToolContext()
	c.RecordModification("/a.txt", "write")
	c.RecordRead("/a.txt", "somehash")

	c.Clear()

	if c.WasFileModified("/a.txt") {
		t.Fatalf("expected modifications cleared")
	}
	if c.IsFileStale("/a.txt", "somehash") {
		t.Fatalf("expected read history cleared, so nothing is considered stale")
	}
}

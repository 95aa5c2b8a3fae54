package modpack

import (
	"reflect"
	"testing"
)

func TestParsePassages(t *testing.T) {
	src := `ignored preamble

:: Start
Hello
World

:: Forest [dark spooky] {"position":"100,200","size":"100,100"}
Trees everywhere.
`
	recs := ParsePassages(src)
	if len(recs) != 2 {
		t.Fatalf("ParsePassages() returned %d records, want 2", len(recs))
	}

	if recs[0].Name != "Start" {
		t.Errorf("recs[0].Name = %q, want %q", recs[0].Name, "Start")
	}
	if recs[0].Content != "Hello\nWorld" {
		t.Errorf("recs[0].Content = %q, want %q", recs[0].Content, "Hello\nWorld")
	}
	if recs[0].Tags != nil {
		t.Errorf("recs[0].Tags = %v, want nil", recs[0].Tags)
	}

	if recs[1].Name != "Forest" {
		t.Errorf("recs[1].Name = %q, want %q", recs[1].Name, "Forest")
	}
	if want := []string{"dark", "spooky"}; !reflect.DeepEqual(recs[1].Tags, want) {
		t.Errorf("recs[1].Tags = %v, want %v", recs[1].Tags, want)
	}
	if recs[1].Position != "100,200" {
		t.Errorf("recs[1].Position = %q, want %q", recs[1].Position, "100,200")
	}
	if recs[1].Size != "100,100" {
		t.Errorf("recs[1].Size = %q, want %q", recs[1].Size, "100,100")
	}
	if recs[1].Content != "Trees everywhere." {
		t.Errorf("recs[1].Content = %q, want %q", recs[1].Content, "Trees everywhere.")
	}
}

func TestParsePassagesEscapedName(t *testing.T) {
	recs := ParsePassages(":: A \\[B\\] C\nbody\n")
	if len(recs) != 1 {
		t.Fatalf("ParsePassages() returned %d records, want 1", len(recs))
	}
	if recs[0].Name != "A [B] C" {
		t.Errorf("Name = %q, want %q", recs[0].Name, "A [B] C")
	}
	if recs[0].Tags != nil {
		t.Errorf("Tags = %v, want nil", recs[0].Tags)
	}
}

func TestParsePassagesSkipsEmptyName(t *testing.T) {
	src := `::
orphan body

:: Kept
fine
`
	recs := ParsePassages(src)
	if len(recs) != 1 || recs[0].Name != "Kept" {
		t.Fatalf("ParsePassages() = %+v, want only Kept", recs)
	}
}

func TestParsePassagesNoHeader(t *testing.T) {
	if recs := ParsePassages("just prose\nno headers\n"); len(recs) != 0 {
		t.Errorf("ParsePassages() = %+v, want none", recs)
	}
}

func TestParsePassagesTrailingNewlinesTrimmed(t *testing.T) {
	recs := ParsePassages(":: End\nlast line\n\n\n")
	if len(recs) != 1 {
		t.Fatalf("ParsePassages() returned %d records, want 1", len(recs))
	}
	if recs[0].Content != "last line" {
		t.Errorf("Content = %q, want %q", recs[0].Content, "last line")
	}
}

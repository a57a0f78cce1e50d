package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTarCopy(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "staged")

	if err := os.MkdirAll(filepath.Join(src, "reports"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "app.py"), []byte("print('hi')"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "reports", "coverage.xml"), []byte("<coverage/>"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := TarCopy(src, dst, ""); err != nil {
		t.Fatal(err)
	}

	contents, err := os.ReadFile(filepath.Join(dst, "app.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(contents) != "print('hi')" {
		t.Errorf("file contents changed in transit: %q", contents)
	}

	contents, err = os.ReadFile(filepath.Join(dst, "reports", "coverage.xml"))
	if err != nil {
		t.Fatal(err)
	}
	if string(contents) != "<coverage/>" {
		t.Errorf("nested file contents changed in transit: %q", contents)
	}
}

func TestCompressSingleFile(t *testing.T) {
	src := t.TempDir()
	path := filepath.Join(src, "coverage.xml")
	if err := os.WriteFile(path, []byte("<coverage/>"), 0644); err != nil {
		t.Fatal(err)
	}

	archive := filepath.Join(t.TempDir(), "artifact.tar.gz")
	if err := Compress(path, archive); err != nil {
		t.Fatal(err)
	}

	out := t.TempDir()
	if err := Decompress(archive, out); err != nil {
		t.Fatal(err)
	}

	contents, err := os.ReadFile(filepath.Join(out, "coverage.xml"))
	if err != nil {
		t.Fatal(err)
	}
	if string(contents) != "<coverage/>" {
		t.Errorf("file contents changed in transit: %q", contents)
	}
}

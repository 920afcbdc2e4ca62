package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateRandomString(t *testing.T) {
	for i := 0; i < 100; i++ {
		s := GenerateRandomString()
		if len(s) < 6 || len(s) > 11 {
			t.Fatal("wrong length", s)
		}
		for _, c := range []byte(s) {
			if c < 'a' || c > 'z' {
				t.Fatal("not lower case", s)
			}
		}
	}
	if GetRandomWord() == "" {
		t.Fatal("empty word")
	}
}

func TestGetFilePath(t *testing.T) {
	if GetFilePath("") != "" {
		t.Fatal("empty name should give empty path")
	}

	dir := t.TempDir()
	fn := filepath.Join(dir, "client.toml")
	if err := os.WriteFile(fn, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if GetFilePath(fn) != fn {
		t.Fatal("absolute path should be returned directly")
	}
	if GetFilePath(filepath.Join(dir, "nope.toml")) != "" {
		t.Fatal("missing absolute path should give empty path")
	}

	wd, _ := os.Getwd()
	defer os.Chdir(wd)
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	if got := GetFilePath("client.toml"); got == "" {
		t.Fatal("should find file in working dir")
	}
}

func TestGetMapSortedKeySlice(t *testing.T) {
	ks := GetMapSortedKeySlice(map[string]int{"b": 1, "a": 2, "c": 3})
	if len(ks) != 3 || ks[0] != "a" || ks[2] != "c" {
		t.Fatal(ks)
	}
}

func TestPacketPool(t *testing.T) {
	bs := GetPacket()
	if len(bs) != MaxBufLen {
		t.Fatal(len(bs))
	}
	PutPacket(bs[:10])
	PutPacket(make([]byte, 10))
}

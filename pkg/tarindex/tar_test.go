package tarindex_test

import (
	"archive/tar"
	"bytes"
	"errors"
	"testing"

	"github.com/csweichel/rangefs/pkg/rangefs"
	"github.com/csweichel/rangefs/pkg/tarindex"
	badger "github.com/dgraph-io/badger/v3"
	"github.com/google/go-cmp/cmp"
)

const (
	fileHelloTXT       = "Hello World\nThis is a test"
	fileHidden         = "Filename starts with a ."
	fileFooSlashBarTXT = "More file content"
)

func prepareTestArchive(t *testing.T) []byte {
	t.Helper()
	buf := bytes.NewBuffer(nil)

	tarw := tar.NewWriter(buf)
	tarw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: "./", Mode: 0755, Uid: 33333, Gid: 33333})
	tarw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "./hello.txt", Mode: 0644, Uid: 33333, Gid: 33333, Size: int64(len(fileHelloTXT))})
	tarw.Write([]byte(fileHelloTXT))
	tarw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "./hidden", Mode: 0600, Uid: 33333, Gid: 33333, Size: int64(len(fileHidden))})
	tarw.Write([]byte(fileHidden))
	tarw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: "./foo/", Mode: 0755, Uid: 33333, Gid: 33333})
	tarw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "./foo/bar.txt", Mode: 0644, Uid: 33333, Gid: 33333, Size: int64(len(fileFooSlashBarTXT))})
	tarw.Write([]byte(fileFooSlashBarTXT))
	tarw.WriteHeader(&tar.Header{Typeflag: tar.TypeSymlink, Name: "./foo/link", Linkname: "bar.txt"})
	tarw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "./foo/three/levels/deep", Mode: 04755, Uid: 33333, Gid: 33333, Size: int64(len(fileHelloTXT))})
	tarw.Write([]byte(fileHelloTXT))
	if err := tarw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestScan(t *testing.T) {
	archive := prepareTestArchive(t)
	members, err := tarindex.Scan(bytes.NewReader(archive))
	if err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}

	type entry struct {
		Name    string
		Content string
	}
	var act []entry
	for _, m := range members {
		act = append(act, entry{m.Name, string(archive[m.Offset : m.Offset+m.Size])})
	}
	exp := []entry{
		{"hello.txt", fileHelloTXT},
		{"hidden", fileHidden},
		{"foo/bar.txt", fileFooSlashBarTXT},
		{"foo/three/levels/deep", fileHelloTXT},
	}
	if diff := cmp.Diff(exp, act); diff != "" {
		t.Errorf("Scan() mismatch (-want +got):\n%s", diff)
	}

	if _, err := tarindex.Scan(bytes.NewReader(archive[:700])); err == nil {
		t.Errorf("expected an error for a truncated archive")
	}
}

func TestRanges(t *testing.T) {
	members := []tarindex.Member{
		{Name: "hello.txt", Offset: 512, Size: 26, Mode: 0644},
		{Name: "foo/three/levels/deep", Offset: 4096, Size: 0, Mode: 04755},
	}
	length0, length26 := uint64(0), uint64(26)
	mode644, mode755 := uint32(0644), uint32(0755)
	exp := []rangefs.RangeSpec{
		{Name: "hello.txt", Source: "/data/a.tar", Offset: 512, Length: &length26, Mode: &mode644},
		{Name: "foo_three_levels_deep", Source: "/data/a.tar", Offset: 4096, Length: &length0, Mode: &mode755},
	}
	if diff := cmp.Diff(exp, tarindex.Ranges("/data/a.tar", members)); diff != "" {
		t.Errorf("Ranges() mismatch (-want +got):\n%s", diff)
	}
}

func TestTarRangesMount(t *testing.T) {
	archive := prepareTestArchive(t)
	members, err := tarindex.Scan(bytes.NewReader(archive))
	if err != nil {
		t.Fatal(err)
	}

	table, err := rangefs.Build(tarindex.Ranges("a.tar", members), rangefs.Options{
		OpenSource: func(path string) (*rangefs.Source, rangefs.Size, error) {
			return rangefs.NewSource(path, bytes.NewReader(archive), nil), rangefs.KnownSize(uint64(len(archive))), nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer table.Close()

	attr, err := table.Lookup(rangefs.RootInode, "foo_bar.txt")
	if err != nil {
		t.Fatal(err)
	}
	data, err := table.Read(attr.Inode, make([]byte, 100), 0)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != fileFooSlashBarTXT {
		t.Errorf("unexpected content %q", data)
	}
}

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestGenerateLoad(t *testing.T) {
	archive := prepareTestArchive(t)
	db := openTestDB(t)

	if _, _, err := tarindex.Load(db); !errors.Is(err, tarindex.ErrNoArchive) {
		t.Fatalf("expected ErrNoArchive, got %v", err)
	}

	if err := tarindex.Generate(db, "/data/a.tar", bytes.NewReader(archive)); err != nil {
		t.Fatalf("Generate() failed: %v", err)
	}
	name, act, err := tarindex.Load(db)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if name != "/data/a.tar" {
		t.Errorf("unexpected archive %q", name)
	}

	exp, err := tarindex.Scan(bytes.NewReader(archive))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(exp, act); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateManyMembers(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	tarw := tar.NewWriter(buf)
	for i := 0; i < 300; i++ {
		tarw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: string(rune('a'+i%26)) + "/" + string(rune('a'+i/26)), Mode: 0644, Size: 1})
		tarw.Write([]byte{byte(i)})
	}
	tarw.Close()

	db := openTestDB(t)
	if err := tarindex.Generate(db, "many.tar", bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatal(err)
	}
	_, members, err := tarindex.Load(db)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 300 {
		t.Fatalf("expected 300 members, got %d", len(members))
	}
	for i := 1; i < len(members); i++ {
		if members[i].Offset <= members[i-1].Offset {
			t.Fatalf("members out of archive order at %d", i)
		}
	}
}

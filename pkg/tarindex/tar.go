package tarindex

import (
	"archive/tar"
	"io"
	"strings"

	"github.com/csweichel/rangefs/pkg/rangefs"
	log "github.com/sirupsen/logrus"
)

// Member is a regular file stored in an uncompressed tar archive.
// Offset is the position of its first data byte within the archive.
type Member struct {
	Name   string `json:"name"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
	Mode   int64  `json:"mode"`
}

// Scan reads an uncompressed tar stream and returns its regular members
// in archive order.
func Scan(in io.Reader) ([]Member, error) {
	indexingR := &indexingReader{
		Reader: in,
	}

	var res []Member
	tarf := tar.NewReader(indexingR)
	for {
		hdr, err := tarf.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg && hdr.Typeflag != tar.TypeRegA {
			continue
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		res = append(res, Member{
			Name:   name,
			Offset: indexingR.Offset,
			Size:   hdr.Size,
			Mode:   hdr.Mode,
		})
		log.WithField("name", name).WithField("offset", indexingR.Offset).Debug("found tar member")
	}
	return res, nil
}

// Ranges turns members of archive into range specs. Member paths are
// flattened by replacing '/' with '_'.
func Ranges(archive string, members []Member) []rangefs.RangeSpec {
	res := make([]rangefs.RangeSpec, 0, len(members))
	for _, m := range members {
		length := uint64(m.Size)
		mode := uint32(m.Mode) & 0o777
		res = append(res, rangefs.RangeSpec{
			Name:   strings.ReplaceAll(m.Name, "/", "_"),
			Source: archive,
			Offset: uint64(m.Offset),
			Length: &length,
			Mode:   &mode,
		})
	}
	return res
}

// indexingReader counts the bytes consumed by the tar reader. Because it
// hides any Seek method, the tar reader reads member data instead of
// skipping it, which keeps Offset exact.
type indexingReader struct {
	io.Reader

	Offset int64
}

func (r *indexingReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	r.Offset += int64(n)
	return n, err
}
